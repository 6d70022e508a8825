package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"narrative-server/internal/models"
	"narrative-server/internal/syncengine"

	"github.com/jedib0t/go-pretty/v6/table"
)

type printer struct {
	mu   sync.Mutex
	out  io.Writer
	json bool
}

type updateLine struct {
	Entity  string                                  `json:"entity"`
	Version int64                                   `json:"version"`
	Source  syncengine.Source                       `json:"source"`
	Mode    syncengine.State                        `json:"mode"`
	Deleted bool                                    `json:"deleted,omitempty"`
	Fields  map[models.MediaField]models.FieldState `json:"fields,omitempty"`
}

func (p *printer) update(u syncengine.Update, fields []models.MediaField) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		line := updateLine{Entity: u.Ref.String(), Version: u.Snapshot.Version, Source: u.Source, Mode: u.State, Deleted: u.Deleted}
		if !u.Deleted {
			line.Fields = make(map[models.MediaField]models.FieldState, len(fields))
			for _, f := range fields {
				line.Fields[f] = u.Snapshot.Fields[f]
			}
		}
		_ = json.NewEncoder(p.out).Encode(line)
		return
	}

	if u.Deleted {
		fmt.Fprintf(p.out, "%s was deleted\n", u.Ref)
		return
	}
	fmt.Fprintf(p.out, "%s v%d (%s, %s)\n", u.Ref, u.Snapshot.Version, u.Source, u.State)
	tw := table.NewWriter()
	tw.SetOutputMirror(p.out)
	tw.AppendHeader(table.Row{"Field", "Status", "URL", "Error"})
	for _, f := range fields {
		st := u.Snapshot.Fields[f]
		tw.AppendRow(table.Row{f, st.Status, deref(st.URL), deref(st.Error)})
	}
	tw.Render()
}

func (p *printer) state(from, to syncengine.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		return
	}
	fmt.Fprintf(p.out, "mode: %s -> %s\n", from, to)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
