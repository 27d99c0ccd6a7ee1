package lock

import (
	"fmt"

	farm "github.com/dgryski/go-farm"
)

// Level is the granularity of a lockable resource. Rows nest under pages, pages nest under tables.
type Level uint8

const (
	LevelTable Level = iota + 1
	LevelPage
	LevelRow
)

func (l Level) String() string {
	switch l {
	case LevelTable:
		return "TABLE"
	case LevelPage:
		return "PAGE"
	case LevelRow:
		return "KEY"
	}
	return "UNKNOWN"
}

// ResourceID identifies a lockable unit. A row with Page 0 hangs directly under its table. A gap resource names
// the open key range just before Key in its table; with End set it names the range after the last key.
type ResourceID struct {
	Level Level
	Table uint32
	Page  uint32
	Key   string
	Gap   bool
	End   bool
}

func TableResource(table uint32) ResourceID {
	return ResourceID{Level: LevelTable, Table: table}
}

func PageResource(table, page uint32) ResourceID {
	return ResourceID{Level: LevelPage, Table: table, Page: page}
}

func RowResource(table, page uint32, key []byte) ResourceID {
	return ResourceID{Level: LevelRow, Table: table, Page: page, Key: string(key)}
}

// GapResource names the range before next. A nil next names the range after the last key of the table.
func GapResource(table uint32, next []byte) ResourceID {
	if next == nil {
		return ResourceID{Level: LevelRow, Table: table, Gap: true, End: true}
	}
	return ResourceID{Level: LevelRow, Table: table, Key: string(next), Gap: true}
}

// Parent returns the covering coarser resource.
func (r ResourceID) Parent() (ResourceID, bool) {
	switch r.Level {
	case LevelRow:
		if r.Page != 0 && !r.Gap {
			return PageResource(r.Table, r.Page), true
		}
		return TableResource(r.Table), true
	case LevelPage:
		return TableResource(r.Table), true
	}
	return ResourceID{}, false
}

// path returns the resource and its ancestors, coarsest first.
func (r ResourceID) path() []ResourceID {
	path := []ResourceID{r}
	for cur := r; ; {
		parent, ok := cur.Parent()
		if !ok {
			break
		}
		path = append(path, parent)
		cur = parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func (r ResourceID) String() string {
	switch {
	case r.Level == LevelTable:
		return fmt.Sprintf("table:%d", r.Table)
	case r.Level == LevelPage:
		return fmt.Sprintf("page:%d:%d", r.Table, r.Page)
	case r.End:
		return fmt.Sprintf("gap:%d:+inf", r.Table)
	case r.Gap:
		return fmt.Sprintf("gap:%d:%q", r.Table, r.Key)
	}
	return fmt.Sprintf("key:%d:%d:%q", r.Table, r.Page, r.Key)
}

func (r ResourceID) hash() uint64 {
	return farm.Fingerprint64([]byte(r.String()))
}
