package restapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/transaction"
)

// BeginRequest is the optional body of POST /transactions.
type BeginRequest struct {
	TimeoutMilliseconds int64                `json:"timeoutMilliseconds,omitempty"`
	DurabilityLevel     *dtx.DurabilityLevel `json:"durabilityLevel,omitempty"`
}

// StageRequest is the body of POST /transactions/:id/stage.
type StageRequest struct {
	Kind  dtx.OpKind      `json:"kind"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
	// Zero uses the CAS observed by a previous GET of the key in this transaction.
	CAS                           dtx.CAS              `json:"cas,omitempty"`
	DurabilityLevel               *dtx.DurabilityLevel `json:"durabilityLevel,omitempty"`
	DurabilityTimeoutMilliseconds int64                `json:"durabilityTimeoutMilliseconds,omitempty"`
	TimeoutMilliseconds           int64                `json:"timeoutMilliseconds,omitempty"`
}

func (r StageRequest) operation() (transaction.Operation, error) {
	if !r.Kind.IsValid() {
		return transaction.Operation{}, errors.New("kind must be insert, replace or remove")
	}
	if r.Key == "" {
		return transaction.Operation{}, errors.New("key can't be empty")
	}
	if r.Kind != dtx.OpRemove && len(r.Value) == 0 {
		return transaction.Operation{}, fmt.Errorf("%s of %s needs a value", r.Kind, r.Key)
	}
	if r.DurabilityLevel != nil && !r.DurabilityLevel.IsValid() {
		return transaction.Operation{}, fmt.Errorf("durability level %d is not valid", int(*r.DurabilityLevel))
	}
	op := transaction.Operation{
		Kind:              r.Kind,
		Key:               r.Key,
		CAS:               r.CAS,
		Durability:        r.DurabilityLevel,
		DurabilityTimeout: time.Duration(r.DurabilityTimeoutMilliseconds) * time.Millisecond,
		Timeout:           time.Duration(r.TimeoutMilliseconds) * time.Millisecond,
	}
	if r.Kind != dtx.OpRemove {
		op.Value = []byte(r.Value)
	}
	return op, nil
}

// StagedView is one staged write as returned to clients.
type StagedView struct {
	Key         string     `json:"key"`
	Kind        dtx.OpKind `json:"kind"`
	CAS         dtx.CAS    `json:"cas"`
	OriginalCAS dtx.CAS    `json:"originalCas,omitempty"`
}

// TransactionView is a snapshot of a transaction.
type TransactionView struct {
	ID        dtx.UUID     `json:"id"`
	State     string       `json:"state"`
	StartedAt time.Time    `json:"startedAt"`
	Deadline  time.Time    `json:"deadline"`
	Staged    []StagedView `json:"staged"`
}

func viewOf(t *transaction.Transaction) TransactionView {
	staged := t.Staged()
	v := TransactionView{
		ID:        t.ID(),
		State:     t.State().String(),
		StartedAt: t.StartedAt(),
		Deadline:  t.Deadline(),
		Staged:    make([]StagedView, 0, len(staged)),
	}
	for _, so := range staged {
		v.Staged = append(v.Staged, stagedView(so))
	}
	return v
}

func stagedView(so transaction.StagedOperation) StagedView {
	return StagedView{Key: so.Key, Kind: so.Kind, CAS: so.MarkerCAS, OriginalCAS: so.OriginalCAS}
}

// DocumentView is a document read inside a transaction. JSON values are
// returned as is, anything else base64 encoded in Raw.
type DocumentView struct {
	Key   string          `json:"key"`
	CAS   dtx.CAS         `json:"cas"`
	Value json.RawMessage `json:"value,omitempty"`
	Raw   []byte          `json:"raw,omitempty"`
}

func documentView(d dtx.Document) DocumentView {
	v := DocumentView{Key: d.Key, CAS: d.CAS}
	if json.Valid(d.Value) {
		v.Value = json.RawMessage(d.Value)
	} else {
		v.Raw = d.Value
	}
	return v
}

func (s *Server) lookup(c *gin.Context) (*transaction.Transaction, bool) {
	id, err := dtx.ParseUUID(c.Param("id"))
	if err != nil {
		badRequest(c, fmt.Errorf("invalid transaction id %q: %w", c.Param("id"), err))
		return nil, false
	}
	t, ok := s.coord.Lookup(id)
	if !ok {
		abortWithError(c, fmt.Errorf("%w: %s", errTransactionNotFound, id.String()), nil)
		return nil, false
	}
	return t, true
}

// BeginTransaction godoc
// @Summary BeginTransaction starts a transaction.
// @Schemes
// @Description BeginTransaction starts a transaction, optionally with its own timeout and durability level.
// @Tags Transactions
// @Accept json
// @Produce json
// @Param			options	body		BeginRequest	false	"Transaction options"
// @Failure 400 {object} map[string]any
// @Success 201 {object} TransactionView
// @Router /transactions [post]
// @Security Bearer
func (s *Server) BeginTransaction(c *gin.Context) {
	var req BeginRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	var opts []transaction.BeginOption
	if req.TimeoutMilliseconds > 0 {
		opts = append(opts, transaction.WithTimeout(time.Duration(req.TimeoutMilliseconds)*time.Millisecond))
	}
	if req.DurabilityLevel != nil {
		opts = append(opts, transaction.WithDurability(*req.DurabilityLevel))
	}
	t, err := s.coord.Begin(c.Request.Context(), opts...)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(t))
}

// GetTransaction godoc
// @Summary GetTransaction returns an active transaction.
// @Schemes
// @Description GetTransaction responds with the state and staged writes of an active transaction.
// @Tags Transactions
// @Produce json
// @Param			id	path		string		true	"Transaction id"
// @Failure 404 {object} map[string]any
// @Success 200 {object} TransactionView
// @Router /transactions/{id} [get]
// @Security Bearer
func (s *Server) GetTransaction(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(t))
}

// GetDocument godoc
// @Summary GetDocument reads a document.
// @Schemes
// @Description GetDocument reads a key inside the transaction, seeing the transaction's own staged writes.
// @Tags Transactions
// @Produce json
// @Param			id	path		string		true	"Transaction id"
// @Param			key	path		string		true	"Document key"    minlength(1)  maxlength(250)
// @Failure 404 {object} map[string]any
// @Success 200 {object} DocumentView
// @Router /transactions/{id}/docs/{key} [get]
// @Security Bearer
func (s *Server) GetDocument(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}
	key := c.Param("key")
	doc, found, err := s.coord.Get(c.Request.Context(), t, key)
	if err != nil {
		abortWithError(c, err, gin.H{"id": t.ID(), "key": key})
		return
	}
	if !found {
		abortWithError(c, dtx.NewError(dtx.DocumentNotFound, nil, key), gin.H{"id": t.ID(), "key": key})
		return
	}
	c.JSON(http.StatusOK, documentView(doc))
}

// StageOperation godoc
// @Summary StageOperation stages a write.
// @Schemes
// @Description StageOperation stages an insert, replace or remove of a document.
// @Tags Transactions
// @Accept json
// @Produce json
// @Param			id	path		string		true	"Transaction id"
// @Param			operation	body		StageRequest	true	"Write to stage"
// @Failure 400 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Failure 422 {object} map[string]any
// @Success 200 {object} StagedView
// @Router /transactions/{id}/stage [post]
// @Security Bearer
func (s *Server) StageOperation(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}
	var req StageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	op, err := req.operation()
	if err != nil {
		badRequest(c, err)
		return
	}
	so, err := s.coord.Stage(c.Request.Context(), t, op)
	if err != nil {
		abortWithError(c, err, gin.H{"id": t.ID(), "key": op.Key, "state": t.State().String()})
		return
	}
	c.JSON(http.StatusOK, stagedView(so))
}

// CommitTransaction godoc
// @Summary CommitTransaction commits a transaction.
// @Schemes
// @Description CommitTransaction commits the staged writes. 202 means the commit point was reached and cleanup finishes the transaction.
// @Tags Transactions
// @Produce json
// @Param			id	path		string		true	"Transaction id"
// @Failure 409 {object} map[string]any
// @Failure 504 {object} map[string]any
// @Success 200 {object} map[string]any
// @Success 202 {object} map[string]any
// @Router /transactions/{id}/commit [post]
// @Security Bearer
func (s *Server) CommitTransaction(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := s.coord.Commit(c.Request.Context(), t); err != nil {
		log.Debug("commit over REST failed", "tid", t.ID().String(), "error", err.Error())
		abortWithError(c, err, gin.H{"id": t.ID(), "state": t.State().String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": t.ID(), "state": t.State().String(), "outcome": dtx.Succeeded.String()})
}

// RollbackTransaction godoc
// @Summary RollbackTransaction rolls a transaction back.
// @Schemes
// @Description RollbackTransaction undoes every staged write of the transaction.
// @Tags Transactions
// @Produce json
// @Param			id	path		string		true	"Transaction id"
// @Failure 409 {object} map[string]any
// @Success 200 {object} map[string]any
// @Router /transactions/{id}/rollback [post]
// @Security Bearer
func (s *Server) RollbackTransaction(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := s.coord.Rollback(c.Request.Context(), t); err != nil {
		abortWithError(c, err, gin.H{"id": t.ID(), "state": t.State().String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": t.ID(), "state": t.State().String()})
}

// GetConfig godoc
// @Summary GetConfig returns the coordinator configuration.
// @Schemes
// @Description GetConfig responds with the effective transactions configuration.
// @Tags Config
// @Produce json
// @Success 200 {object} map[string]any
// @Router /config [get]
// @Security Bearer
func (s *Server) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Config().Export())
}

// RunSweep godoc
// @Summary RunSweep resolves abandoned transactions now.
// @Schemes
// @Description RunSweep runs one cleanup cycle and returns how many abandoned transactions it resolved.
// @Tags Cleanup
// @Produce json
// @Failure 503 {object} map[string]any
// @Success 200 {object} map[string]any
// @Router /cleanup/sweep [post]
// @Security Bearer
func (s *Server) RunSweep(c *gin.Context) {
	n, err := s.sweeper.Sweep(c.Request.Context(), dtx.Now())
	if err != nil {
		abortWithError(c, err, gin.H{"sweeper": s.sweeper.ID(), "resolved": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweeper": s.sweeper.ID(), "resolved": n, "pending": s.sweeper.Pending()})
}
