// Package remotetree is a demonstration HTTP-backed RemoteTree: the
// out-of-scope remote content repository RQTree defers to whenever a
// path isn't satisfied locally, and the Processor replays queued
// mutations against.
//
// Grounded on the teacher's syftsdk client (internal/syftsdk/sdk.go):
// a single *req.Client configured once with base URL, TLS floor, retry
// policy and common headers, with one thin method per remote operation
// built on top of it.
package remotetree

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/imroc/req/v3"

	"github.com/syncbridge/cachebridge/internal/bridgeerr"
	"github.com/syncbridge/cachebridge/internal/model"
)

const (
	pathStat      = "/v1/tree/stat"
	pathList      = "/v1/tree/list"
	pathContent   = "/v1/tree/content"
	pathDirectory = "/v1/tree/directory"
	pathRename    = "/v1/tree/rename"
)

// Config holds the connection parameters for a Client.
type Config struct {
	BaseURL    string
	AuthToken  string
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryWait <= 0 {
		c.RetryWait = time.Second
	}
	return c
}

// Client implements rqtree.RemoteTree over HTTP.
type Client struct {
	c *req.Client
}

// apiError is the error envelope the remote is expected to return
// alongside a non-2xx status.
type apiError struct {
	Message string `json:"message"`
}

// New builds a Client bound to cfg.BaseURL.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()

	c := req.C().
		SetBaseURL(cfg.BaseURL).
		SetTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetTimeout(cfg.Timeout).
		SetCommonRetryCount(cfg.RetryCount).
		SetCommonRetryFixedInterval(cfg.RetryWait).
		SetCommonRetryCondition(func(resp *req.Response, err error) bool {
			return err != nil || resp.GetStatusCode() >= http.StatusInternalServerError
		}).
		SetUserAgent("cachebridge-remotetree/1")

	if cfg.AuthToken != "" {
		c = c.SetCommonBearerAuthToken(cfg.AuthToken)
	}

	return &Client{c: c}
}

func (c *Client) classify(resp *req.Response, err error, op, path string) error {
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindTransport, fmt.Sprintf("%s %q", op, path), err)
	}
	switch resp.GetStatusCode() {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return bridgeerr.New(bridgeerr.KindNotFound, path)
	case http.StatusConflict:
		return bridgeerr.New(bridgeerr.KindAlreadyExists, path)
	default:
		if resp.GetStatusCode() >= http.StatusInternalServerError {
			return bridgeerr.New(bridgeerr.KindTransport, fmt.Sprintf("%s %q: %s", op, path, resp.Status))
		}
		return bridgeerr.New(bridgeerr.KindRemoteStatus, fmt.Sprintf("%s %q: %s", op, path, resp.Status))
	}
}

// Exists reports whether path has a remote node.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	_, err := c.Stat(ctx, path)
	if err == nil {
		return true, nil
	}
	if bridgeerr.Of(err) == bridgeerr.KindNotFound {
		return false, nil
	}
	return false, err
}

// Stat fetches node metadata for path.
func (c *Client) Stat(ctx context.Context, path string) (model.NodeInfo, error) {
	var info model.NodeInfo
	var apiErr apiError

	resp, err := c.c.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		SetResult(&info).
		SetError(&apiErr).
		Get(pathStat)

	if classifyErr := c.classify(resp, err, "stat", path); classifyErr != nil {
		return model.NodeInfo{}, classifyErr
	}
	return info, nil
}

// List lists the direct children of dirPath.
func (c *Client) List(ctx context.Context, dirPath string) ([]model.NodeInfo, error) {
	var entries []model.NodeInfo
	var apiErr apiError

	resp, err := c.c.R().
		SetContext(ctx).
		SetQueryParam("path", dirPath).
		SetResult(&entries).
		SetError(&apiErr).
		Get(pathList)

	if classifyErr := c.classify(resp, err, "list", dirPath); classifyErr != nil {
		return nil, classifyErr
	}
	return entries, nil
}

// Open streams the content at path. The caller must Close the result.
func (c *Client) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	var apiErr apiError

	resp, err := c.c.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		DisableAutoReadResponse().
		SetError(&apiErr).
		Get(pathContent)

	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindTransport, fmt.Sprintf("open %q", path), err)
	}
	if resp.GetStatusCode() != http.StatusOK {
		resp.Body.Close()
		return nil, c.classify(resp, nil, "open", path)
	}
	return resp.Body, nil
}

// Put creates new remote content at path.
func (c *Client) Put(ctx context.Context, path string, r io.Reader) error {
	return c.write(ctx, path, r, http.MethodPut)
}

// Post overwrites existing remote content at path.
func (c *Client) Post(ctx context.Context, path string, r io.Reader) error {
	return c.write(ctx, path, r, http.MethodPost)
}

func (c *Client) write(ctx context.Context, path string, r io.Reader, method string) error {
	var apiErr apiError

	request := c.c.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		SetBody(r).
		SetError(&apiErr)

	var resp *req.Response
	var err error
	if method == http.MethodPut {
		resp, err = request.Put(pathContent)
	} else {
		resp, err = request.Post(pathContent)
	}

	return c.classify(resp, err, method, path)
}

// Delete removes the remote node at path.
func (c *Client) Delete(ctx context.Context, path string) error {
	var apiErr apiError

	resp, err := c.c.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		SetError(&apiErr).
		Delete(pathContent)

	return c.classify(resp, err, "delete", path)
}

// CreateDirectory creates an empty directory at path.
func (c *Client) CreateDirectory(ctx context.Context, path string) error {
	var apiErr apiError

	resp, err := c.c.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		SetError(&apiErr).
		Post(pathDirectory)

	return c.classify(resp, err, "createDirectory", path)
}

type renameBody struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

// Rename moves a remote node from oldPath to newPath.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	var apiErr apiError

	resp, err := c.c.R().
		SetContext(ctx).
		SetBody(&renameBody{OldPath: oldPath, NewPath: newPath}).
		SetError(&apiErr).
		Post(pathRename)

	return c.classify(resp, err, "rename", oldPath)
}
