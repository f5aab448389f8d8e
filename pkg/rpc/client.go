package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/wire"
)

// streamBuffer bounds the items queued for one streaming call. A consumer
// that stops reading eventually stalls the whole tunnel.
const streamBuffer = 64

// Client is a remote store reached through one tunnel.
// There is no reconnection: once the tunnel drops every call fails with
// core.ErrTransport.
type Client struct {
	session    string
	logger     *slog.Logger
	out        *frameWriter
	body       *io.PipeWriter
	cancel     context.CancelFunc
	readerDone chan struct{}

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*call
	err     error
}

// call is one outstanding request. Only the read loop sends on or closes ch.
type call struct {
	ch   chan *frame
	gone chan struct{}
	once sync.Once
}

func (cl *call) leave() {
	cl.once.Do(func() { close(cl.gone) })
}

var _ core.Replica = (*Client)(nil)

// Option configures Dial.
type Option func(*dialOptions)

type dialOptions struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// WithHTTPClient sets the client the tunnel request is sent with.
func WithHTTPClient(c *http.Client) Option {
	return func(o *dialOptions) {
		o.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *dialOptions) {
		o.logger = logger
	}
}

// Dial opens a tunnel to remote's rpc endpoint. ctx bounds the handshake
// only; the tunnel lives until Close or a transport failure.
func Dial(ctx context.Context, remote string, opts ...Option) (*Client, error) {
	o := dialOptions{httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	tunnelCtx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(tunnelCtx, http.MethodPost, wire.NormalizeURL(remote)+wire.PathRPC, pr)
	if err != nil {
		cancel()
		return nil, err
	}
	session := uuid.NewString()
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set(HeaderSession, session)

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := o.httpClient.Do(req)
		done <- result{resp, err}
	}()

	var resp *http.Response
	select {
	case res := <-done:
		if res.err != nil {
			cancel()
			pw.Close()
			return nil, fmt.Errorf("%w: failed to open tunnel: %v", core.ErrTransport, res.err)
		}
		resp = res.resp
	case <-ctx.Done():
		cancel()
		pw.Close()
		return nil, ctx.Err()
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		pw.Close()
		return nil, fmt.Errorf("%w: tunnel refused: %s", core.ErrTransport, resp.Status)
	}

	c := &Client{
		session:    session,
		logger:     o.logger,
		out:        newFrameWriter(pw),
		body:       pw,
		cancel:     cancel,
		readerDone: make(chan struct{}),
		pending:    make(map[uint64]*call),
	}
	go c.readLoop(resp.Body)
	c.logger.Debug("rpc tunnel dialed", "remote", remote, "session", session)
	return c, nil
}

func (c *Client) readLoop(body io.ReadCloser) {
	defer close(c.readerDone)
	defer body.Close()

	dec := msgpack.NewDecoder(body)
	for {
		f := new(frame)
		if err := dec.Decode(f); err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		cl, ok := c.pending[f.ID]
		if ok && f.Kind != kindItem {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case cl.ch <- f:
		case <-cl.gone:
			continue
		}
		if f.Kind != kindItem {
			close(cl.ch)
		}
	}
}

// fail records why the tunnel died and releases every waiting call.
// Only the read loop calls it.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setErrLocked(cause)
	for id, cl := range c.pending {
		close(cl.ch)
		delete(c.pending, id)
	}
}

func (c *Client) setErrLocked(cause error) {
	if c.err != nil {
		return
	}
	if errors.Is(cause, io.EOF) || errors.Is(cause, io.ErrClosedPipe) || errors.Is(cause, context.Canceled) {
		c.err = fmt.Errorf("%w: tunnel closed", core.ErrTransport)
	} else {
		c.err = fmt.Errorf("%w: %v", core.ErrTransport, cause)
	}
	c.logger.Debug("rpc tunnel down", "session", c.session, "error", cause)
}

// breakTunnel tears the tunnel down from the writing side; the read loop
// then fails pending calls.
func (c *Client) breakTunnel(cause error) {
	c.mu.Lock()
	c.setErrLocked(cause)
	c.mu.Unlock()
	c.body.CloseWithError(cause)
	c.cancel()
}

// open registers a call and sends it.
func (c *Client) open(method string, args any) (uint64, *call, error) {
	body, err := encodeBody(args)
	if err != nil {
		return 0, nil, err
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return 0, nil, err
	}
	c.nextID++
	id := c.nextID
	cl := &call{ch: make(chan *frame, streamBuffer), gone: make(chan struct{})}
	c.pending[id] = cl
	c.mu.Unlock()

	if err := c.out.write(&frame{ID: id, Kind: kindCall, Method: method, Body: body}); err != nil {
		c.breakTunnel(err)
		return 0, nil, c.transportErr()
	}
	return id, cl, nil
}

func (c *Client) transportErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return fmt.Errorf("%w: tunnel closed", core.ErrTransport)
}

// abandon stops waiting on id and tells the server to stop working on it.
func (c *Client) abandon(id uint64, cl *call) {
	cl.leave()
	c.mu.Lock()
	_, live := c.pending[id]
	delete(c.pending, id)
	broken := c.err != nil
	c.mu.Unlock()
	if live && !broken {
		_ = c.out.write(&frame{ID: id, Kind: kindCancel})
	}
}

// call runs a unary method and decodes its reply body into out.
func (c *Client) call(ctx context.Context, method string, args any, out any) error {
	id, cl, err := c.open(method, args)
	if err != nil {
		return err
	}
	select {
	case f, ok := <-cl.ch:
		if !ok {
			return c.transportErr()
		}
		if err := remoteError(f); err != nil {
			return err
		}
		if out != nil && len(f.Body) > 0 {
			return msgpack.Unmarshal(f.Body, out)
		}
		return nil
	case <-ctx.Done():
		c.abandon(id, cl)
		return ctx.Err()
	}
}

func (c *Client) callDoc(ctx context.Context, method string, args any) (core.Document, error) {
	var raw []byte
	if err := c.call(ctx, method, args, &raw); err != nil {
		return core.Document{}, err
	}
	var doc core.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return core.Document{}, fmt.Errorf("invalid document from remote: %w", err)
	}
	return doc, nil
}

func (c *Client) Get(ctx context.Context, id string, opts core.GetOptions) (core.Document, error) {
	return c.callDoc(ctx, methodGet, getArgs{ID: id, Version: opts.Version, IncludeDeleted: opts.IncludeDeleted})
}

func (c *Client) Put(ctx context.Context, doc core.Document, opts core.PutOptions) (core.Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return core.Document{}, err
	}
	return c.callDoc(ctx, methodPut, putArgs{Doc: raw, Strict: opts.Strict, Replicate: opts.Replicate})
}

func (c *Client) Delete(ctx context.Context, id string) (core.Document, error) {
	return c.callDoc(ctx, methodDelete, idArgs{ID: id})
}

// Schema fetches the remote columns.
func (c *Client) Schema(ctx context.Context) ([]core.Column, error) {
	var cols []core.Column
	if err := c.call(ctx, methodSchema, struct{}{}, &cols); err != nil {
		return nil, err
	}
	return cols, nil
}

// MergeSchema reconciles cols into the remote schema.
func (c *Client) MergeSchema(ctx context.Context, cols []core.Column) ([]core.Column, error) {
	var added []core.Column
	if err := c.call(ctx, methodMergeSchema, cols, &added); err != nil {
		return nil, err
	}
	return added, nil
}

// Cursor reads a replication cursor kept by the remote store.
func (c *Client) Cursor(ctx context.Context, dir core.Direction, remote string) (core.Cursor, error) {
	var cur core.Cursor
	if err := c.call(ctx, methodCursor, cursorArgs{Direction: dir, Remote: remote}, &cur); err != nil {
		return core.Cursor{RemoteURL: remote}, err
	}
	return cur, nil
}

func (c *Client) SetCursor(ctx context.Context, dir core.Direction, cur core.Cursor) error {
	return c.call(ctx, methodSetCursor, cursorArgs{Direction: dir, Remote: cur.RemoteURL, LastSeq: cur.LastSeq}, nil)
}

func (c *Client) Changes(opts core.ChangesOptions) core.ChangeIterator {
	it := &remoteChanges{stream: c.stream(methodChanges, changesArgs{Since: opts.Since, Live: opts.Live, Limit: opts.Limit})}
	return it
}

func (c *Client) Versions(id string) core.DocumentIterator {
	return &remoteDocs{stream: c.stream(methodVersions, idArgs{ID: id})}
}

// Close ends the tunnel. In-flight calls fail with core.ErrTransport.
func (c *Client) Close() error {
	err := c.body.Close()
	c.cancel()
	<-c.readerDone
	return err
}

// stream is the client half of a streaming call.
type stream struct {
	c     *Client
	id    uint64
	cl    *call
	body  []byte
	err   error
	ended bool
	once  sync.Once
}

func (c *Client) stream(method string, args any) *stream {
	s := &stream{c: c}
	s.id, s.cl, s.err = c.open(method, args)
	if s.err != nil {
		s.ended = true
	}
	return s
}

func (s *stream) next(ctx context.Context) bool {
	if s.ended {
		return false
	}
	select {
	case f, ok := <-s.cl.ch:
		if !ok {
			s.ended = true
			s.err = s.c.transportErr()
			return false
		}
		if f.Kind != kindItem {
			s.ended = true
			s.err = remoteError(f)
			return false
		}
		s.body = f.Body
		return true
	case <-ctx.Done():
		s.ended = true
		s.err = ctx.Err()
		s.close()
		return false
	}
}

func (s *stream) close() error {
	s.once.Do(func() {
		if s.cl != nil {
			s.c.abandon(s.id, s.cl)
		}
	})
	return nil
}

type remoteChanges struct {
	stream *stream
	cur    core.Change
}

func (it *remoteChanges) Next(ctx context.Context) bool {
	if !it.stream.next(ctx) {
		return false
	}
	it.cur = core.Change{}
	if err := msgpack.Unmarshal(it.stream.body, &it.cur); err != nil {
		it.stream.err = fmt.Errorf("invalid change from remote: %w", err)
		it.stream.ended = true
		it.stream.close()
		return false
	}
	return true
}

func (it *remoteChanges) Change() core.Change { return it.cur }
func (it *remoteChanges) Err() error          { return it.stream.err }
func (it *remoteChanges) Close() error        { return it.stream.close() }

type remoteDocs struct {
	stream *stream
	cur    core.Document
}

func (it *remoteDocs) Next(ctx context.Context) bool {
	if !it.stream.next(ctx) {
		return false
	}
	var raw []byte
	err := msgpack.Unmarshal(it.stream.body, &raw)
	if err == nil {
		it.cur = core.Document{}
		err = json.Unmarshal(raw, &it.cur)
	}
	if err != nil {
		it.stream.err = fmt.Errorf("invalid document from remote: %w", err)
		it.stream.ended = true
		it.stream.close()
		return false
	}
	return true
}

func (it *remoteDocs) Document() core.Document { return it.cur }
func (it *remoteDocs) Err() error              { return it.stream.err }
func (it *remoteDocs) Close() error            { return it.stream.close() }
