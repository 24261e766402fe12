// Package queryapi answers "what happened to my session" and lets a
// client cancel it. It never writes except through Cancel, and only reads
// rows the state table already has.
package queryapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opengrid/gridcore/internal/blobstore"
	"github.com/opengrid/gridcore/internal/model"
	"github.com/opengrid/gridcore/internal/statetable"
)

// TaskResult is one task's terminal-or-current view, with its blob-store
// output resolved inline when the caller asks for it.
type TaskResult struct {
	TaskID    string `json:"task_id"`
	State     string `json:"state"`
	Retries   int    `json:"retries"`
	Output    []byte `json:"output,omitempty"`
	OutputKey string `json:"output_key,omitempty"`
}

// SessionResult rolls up every task under a session.
type SessionResult struct {
	SessionID string       `json:"session_id"`
	Tasks     []TaskResult `json:"tasks"`
	Done      bool         `json:"done"`
}

// QueryAPI is the read/cancel surface over the state table.
type QueryAPI struct {
	st    *statetable.Ops
	blobs blobstore.Store
}

// New binds the state table and blob store QueryAPI reads from.
func New(st *statetable.Ops, blobs blobstore.Store) *QueryAPI {
	return &QueryAPI{st: st, blobs: blobs}
}

// Results returns every task under sessionID, resolving each terminal
// task's output blob inline when resolveOutput is true.
func (q *QueryAPI) Results(ctx context.Context, sessionID string, resolveOutput bool) (*SessionResult, error) {
	rows, err := q.st.QueryBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("queryapi: results: %w", err)
	}
	if len(rows) == 0 {
		return nil, model.ErrNotFound
	}

	result := &SessionResult{SessionID: sessionID, Done: true}
	for _, row := range rows {
		tr := TaskResult{TaskID: row.TaskID, State: string(row.State), Retries: row.Retries}
		switch row.State {
		case model.StateFinished, model.StateFailed:
			key := model.BlobKey(row.TaskID, "output")
			if resolveOutput && q.blobs != nil {
				if out, err := q.blobs.Get(ctx, key); err == nil {
					tr.Output = out
				} else {
					tr.OutputKey = key
				}
			} else {
				tr.OutputKey = key
			}
		case model.StateCancelled, model.StateInconsistent:
			// terminal, nothing more to resolve
		default:
			result.Done = false
		}
		result.Tasks = append(result.Tasks, tr)
	}
	return result, nil
}

// Cancel requests cancellation of every task in sessionIDs. Tasks already
// in a terminal state are left untouched; the per-task ErrCondition this
// produces is not itself an error from Cancel's point of view.
func (q *QueryAPI) Cancel(ctx context.Context, sessionIDs []string) (cancelled, alreadyTerminal []string, err error) {
	for _, sessionID := range sessionIDs {
		rows, qerr := q.st.QueryBySession(ctx, sessionID)
		if qerr != nil {
			return cancelled, alreadyTerminal, fmt.Errorf("queryapi: cancel query %s: %w", sessionID, qerr)
		}
		for _, row := range rows {
			cerr := q.st.Cancel(ctx, row.TaskID, time.Now().UnixMilli())
			switch {
			case cerr == nil:
				cancelled = append(cancelled, row.TaskID)
			case errors.Is(cerr, model.ErrCondition):
				alreadyTerminal = append(alreadyTerminal, row.TaskID)
			default:
				return cancelled, alreadyTerminal, fmt.Errorf("queryapi: cancel %s: %w", row.TaskID, cerr)
			}
		}
	}
	return cancelled, alreadyTerminal, nil
}
