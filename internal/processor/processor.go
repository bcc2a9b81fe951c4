// Package processor talks to the embeddings service that ingests job files.
//
// Small files are streamed in a single request. Large files are split into
// ChunkSize pieces and sent one request per chunk; the service reports a
// result for every chunk and the first unsuccessful one ends the upload.
package processor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"ingest-queue/internal/config"
	"ingest-queue/internal/models"
	"ingest-queue/internal/source"

	"golang.org/x/oauth2"
)

const (
	filesPath  = "/v1/files"
	chunksPath = "/v1/files/chunks"

	headerReference  = "X-Reference-ID"
	headerFileName   = "X-File-Name"
	headerChunkIndex = "X-Chunk-Index"
	headerChunkLast  = "X-Chunk-Last"

	defaultChunkSize = 1 << 20
	maxResponseBody  = 64 << 10
)

var (
	ErrMissingURL    = errors.New("processor: url is required")
	ErrNotConfigured = errors.New("processor: not configured")
	ErrRequestFailed = errors.New("processor: request failed")
	ErrDecodeFailed  = errors.New("processor: failed to decode response")
	ErrSourceFailed  = errors.New("processor: failed to read file")
)

// HTTP sends files to the embeddings service over HTTP.
type HTTP struct {
	baseURL   string
	chunkSize int64
	files     source.Source
	client    *http.Client
}

// Option configures an HTTP processor.
type Option func(*options)

type options struct {
	httpClient *http.Client
}

// WithHTTPClient sets the client used as the base transport.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// NewHTTP creates a processor for cfg reading job files from files.
// A non-empty cfg.Token is sent as a bearer token on every request.
func NewHTTP(cfg config.Processor, files source.Source, opts ...Option) (*HTTP, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrMissingURL
	}

	o := options{httpClient: &http.Client{Timeout: cfg.Timeout}}
	for _, opt := range opts {
		opt(&o)
	}

	client := o.httpClient
	if cfg.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, o.httpClient)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
		client.Timeout = o.httpClient.Timeout
	}

	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}

	return &HTTP{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		chunkSize: chunk,
		files:     files,
		client:    client,
	}, nil
}

// ProcessFile streams the whole file in one request.
func (p *HTTP) ProcessFile(ctx context.Context, referenceID, path string) (models.Result, error) {
	rc, err := p.files.Open(ctx, path)
	if err != nil {
		return models.Result{}, errors.Join(ErrSourceFailed, err)
	}
	defer rc.Close()

	req, err := p.newRequest(ctx, filesPath, referenceID, path, rc)
	if err != nil {
		return models.Result{}, err
	}
	return p.do(req)
}

// ProcessLargeFile uploads the file in chunks and returns the result of the
// last chunk, or of the first chunk the service rejected.
func (p *HTTP) ProcessLargeFile(ctx context.Context, referenceID, path string) (models.Result, error) {
	rc, err := p.files.Open(ctx, path)
	if err != nil {
		return models.Result{}, errors.Join(ErrSourceFailed, err)
	}
	defer rc.Close()

	r := bufio.NewReader(rc)
	buf := make([]byte, p.chunkSize)

	for index := 0; ; index++ {
		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return models.Result{}, errors.Join(ErrSourceFailed, err)
		}

		_, perr := r.Peek(1)
		if perr != nil && !errors.Is(perr, io.EOF) {
			return models.Result{}, errors.Join(ErrSourceFailed, perr)
		}
		last := perr != nil

		req, err := p.newRequest(ctx, chunksPath, referenceID, path, bytes.NewReader(buf[:n]))
		if err != nil {
			return models.Result{}, err
		}
		req.Header.Set(headerChunkIndex, strconv.Itoa(index))
		req.Header.Set(headerChunkLast, strconv.FormatBool(last))

		res, err := p.do(req)
		if err != nil {
			return models.Result{}, fmt.Errorf("chunk %d: %w", index, err)
		}
		if !res.Success || last {
			return res, nil
		}
	}
}

func (p *HTTP) newRequest(ctx context.Context, endpoint, referenceID, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, body)
	if err != nil {
		return nil, errors.Join(ErrRequestFailed, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerReference, referenceID)
	req.Header.Set(headerFileName, fileName(path))
	return req, nil
}

func (p *HTTP) do(req *http.Request) (models.Result, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return models.Result{}, errors.Join(ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, maxResponseBody)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(body)
		return models.Result{}, errors.Join(ErrRequestFailed,
			fmt.Errorf("status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var res models.Result
	if err := json.NewDecoder(body).Decode(&res); err != nil {
		return models.Result{}, errors.Join(ErrDecodeFailed, err)
	}
	return res, nil
}

func fileName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Unconfigured fails every call. It stands in when no processor URL is set
// so that jobs fail with a clear message instead of the process refusing to start.
type Unconfigured struct{}

func (Unconfigured) ProcessFile(context.Context, string, string) (models.Result, error) {
	return models.Result{}, ErrNotConfigured
}

func (Unconfigured) ProcessLargeFile(context.Context, string, string) (models.Result, error) {
	return models.Result{}, ErrNotConfigured
}
