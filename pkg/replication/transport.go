package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/wire"
)

// remote talks to a peer's replication endpoints.
type remote struct {
	base   string
	client *http.Client
}

func transportErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", core.ErrTransport, op, err)
}

func statusErr(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := string(bytes.TrimSpace(msg))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s: %s", core.ErrNotFound, op, text)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s: %s", core.ErrSchemaConflict, op, text)
	}
	return fmt.Errorf("%w: %s: %s %s", core.ErrTransport, op, resp.Status, text)
}

func (r *remote) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u := r.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, transportErr(method+" "+path, err)
	}
	return resp, nil
}

func (r *remote) schema(ctx context.Context) ([]core.Column, error) {
	resp, err := r.do(ctx, http.MethodGet, wire.PathSchema, nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr("schema", resp)
	}
	var cols []core.Column
	if err := json.NewDecoder(resp.Body).Decode(&cols); err != nil {
		return nil, transportErr("schema", err)
	}
	return cols, nil
}

// changes opens the remote feed after since, with versions attached.
func (r *remote) changes(ctx context.Context, since uint64) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatUint(since, 10))
	q.Set("data", "true")
	resp, err := r.do(ctx, http.MethodGet, wire.PathChanges, q, nil, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusErr("changes", resp)
	}
	return resp.Body, nil
}

func (r *remote) hasBlob(ctx context.Context, hash string) (bool, error) {
	resp, err := r.do(ctx, http.MethodHead, wire.PathBlobs+"/"+hash, nil, nil, "")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, statusErr("blob lookup", resp)
}

func (r *remote) fetchBlob(ctx context.Context, hash string) (io.ReadCloser, error) {
	resp, err := r.do(ctx, http.MethodGet, wire.PathBlobs+"/"+hash, nil, nil, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusErr("blob fetch", resp)
	}
	return resp.Body, nil
}

func (r *remote) uploadBlob(ctx context.Context, hash, filename string, body io.Reader) error {
	q := url.Values{}
	q.Set("hash", hash)
	if filename != "" {
		q.Set("filename", filename)
	}
	resp, err := r.do(ctx, http.MethodPost, wire.PathBlobs, q, body, "application/octet-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return statusErr("blob upload", resp)
	}
	return nil
}

// bulk sends docs as one NDJSON batch and returns one ack per doc.
func (r *remote) bulk(ctx context.Context, docs []core.Document) ([]wire.Ack, error) {
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			return nil, err
		}
	}

	q := url.Values{}
	q.Set("replicate", "true")
	resp, err := r.do(ctx, http.MethodPost, wire.PathBulk, q, &buf, wire.ContentTypeNDJSON)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr("bulk", resp)
	}

	acks := make([]wire.Ack, 0, len(docs))
	dec := wire.NewDecoder(resp.Body)
	for len(acks) < len(docs) {
		var ack wire.Ack
		if err := dec.Decode(&ack); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return acks, transportErr("bulk acks", err)
		}
		acks = append(acks, ack)
	}
	return acks, nil
}
