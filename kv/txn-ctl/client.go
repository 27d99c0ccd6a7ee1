package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/server"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap/errors"
)

// apiError is a failed request as reported by the server.
type apiError struct {
	Status    int
	Message   string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

func (e *apiError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("%d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// client talks to the http api of a tinytxn server.
type client struct {
	addr string
	http *http.Client
}

func newClient(addr string) *client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &client{
		addr: strings.TrimSuffix(addr, "/"),
		// Lock waits happen inside the request, so there is no overall timeout.
		http: &http.Client{Transport: &http.Transport{IdleConnTimeout: 30 * time.Second}},
	}
}

func (c *client) do(method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Trace(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.addr+path, reader)
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer resp.Body.Close()
	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		e := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, e) != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(data))
		}
		return e
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return errors.Annotatef(json.Unmarshal(data, out), "decode %s %s", method, path)
}

// get decodes a GET response into a generic value for printing.
func (c *client) get(path string) (interface{}, error) {
	var v interface{}
	err := c.do("GET", path, nil, &v)
	return v, err
}

func (c *client) begin(level string) (transaction.TxnInfo, error) {
	var info transaction.TxnInfo
	err := c.do("POST", "/api/v1/txns", server.BeginRequest{Level: level}, &info)
	return info, err
}

func (c *client) read(id uint64, table uint32, key string) (server.ReadResponse, error) {
	var resp server.ReadResponse
	err := c.do("POST", fmt.Sprintf("/api/v1/txns/%d/read", id), server.RowRequest{Table: table, Key: key}, &resp)
	return resp, err
}

func (c *client) write(id uint64, table uint32, key, value string) error {
	return c.do("POST", fmt.Sprintf("/api/v1/txns/%d/write", id),
		server.RowRequest{Table: table, Key: key, Value: value}, nil)
}

func (c *client) delete(id uint64, table uint32, key string) error {
	return c.do("POST", fmt.Sprintf("/api/v1/txns/%d/delete", id), server.RowRequest{Table: table, Key: key}, nil)
}

func (c *client) scan(id uint64, table uint32, start, end string) ([]server.Row, error) {
	var rows []server.Row
	err := c.do("POST", fmt.Sprintf("/api/v1/txns/%d/scan", id),
		server.ScanRequest{Table: table, Start: start, End: end}, &rows)
	return rows, err
}

func (c *client) statement(id uint64, open bool) error {
	method := "POST"
	if !open {
		method = "DELETE"
	}
	return c.do(method, fmt.Sprintf("/api/v1/txns/%d/statement", id), nil, nil)
}

func (c *client) commit(id uint64) (server.CommitResponse, error) {
	var resp server.CommitResponse
	err := c.do("POST", fmt.Sprintf("/api/v1/txns/%d/commit", id), nil, &resp)
	return resp, err
}

func (c *client) rollback(id uint64) error {
	return c.do("DELETE", fmt.Sprintf("/api/v1/txns/%d", id), nil, nil)
}

func (c *client) gc() (interface{}, error) {
	var v interface{}
	err := c.do("POST", "/api/v1/gc", nil, &v)
	return v, err
}
