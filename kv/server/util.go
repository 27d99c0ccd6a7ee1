package server

import (
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pingcap/errors"
)

func readJSON(r io.ReadCloser, data interface{}) error {
	defer r.Close()

	b, err := ioutil.ReadAll(r)
	if err != nil {
		return errors.Trace(err)
	}
	if len(b) == 0 {
		return nil
	}
	if err = json.Unmarshal(b, data); err != nil {
		return errors.Annotate(err, "decode request body")
	}
	return nil
}

func txnIDVar(r *http.Request) (uint64, error) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, errors.Errorf("invalid txn id %q", idStr)
	}
	return id, nil
}
