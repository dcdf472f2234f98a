// Package downloader fetches traced graphs and their safetensors weights from
// the HuggingFace Hub.
package downloader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Default endpoints. HUGGINGFACE_API_URL and HUGGINGFACE_CDN_URL override
// them when a source is created.
var (
	huggingFaceAPI = "https://huggingface.co/api/models/"
	huggingFaceCDN = "https://huggingface.co/" // Base URL for direct file downloads
)

// DefaultConcurrency bounds parallel file transfers when no limit is set.
const DefaultConcurrency = 4

// ErrNoGraph is returned when a repository holds no graph export.
var ErrNoGraph = errors.New("no graph export found")

// ModelSource defines the interface for a model source, such as HuggingFace.
type ModelSource interface {
	// DownloadModel downloads the graph export of modelID and its associated
	// files to destination.
	DownloadModel(ctx context.Context, modelID string, destination string) (*DownloadResult, error)
}

// DownloadResult contains the paths to the downloaded files.
type DownloadResult struct {
	GraphPath   string
	WeightPaths []string
	// ExtraPaths holds other JSON and text files, such as model configs.
	ExtraPaths []string
}

// Downloader handles the overall download process using a ModelSource.
type Downloader struct {
	source ModelSource
}

// NewDownloader creates a new Downloader with the given ModelSource.
func NewDownloader(source ModelSource) *Downloader {
	return &Downloader{source: source}
}

// Download orchestrates the download of a model and its associated files
// using the configured ModelSource.
func (d *Downloader) Download(ctx context.Context, modelID string, destination string) (*DownloadResult, error) {
	return d.source.DownloadModel(ctx, modelID, destination)
}

// downloadFile downloads a single file from a URL to a local path. Nothing is
// left at filePath when the transfer fails.
func downloadFile(ctx context.Context, client *http.Client, url, apiKey, filePath string) (err error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}

	req, err := newRequest(ctx, url, apiKey)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to download file from %s", url)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "failed to close response body for %s", url)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("failed to download file from %s: status code %s", url, resp.Status)
	}

	out, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %s", filePath)
	}
	if _, err := copyFile(resp.Body, out); err != nil {
		_ = out.Close()
		_ = os.Remove(filePath)
		return errors.Wrapf(err, "failed to write file %s", filePath)
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, "failed to close file %s", filePath)
	}
	return nil
}

// copyFile copies content from a source reader to a destination writer.
func copyFile(src io.Reader, dst io.Writer) (int64, error) {
	return io.Copy(dst, src)
}

func newRequest(ctx context.Context, url, apiKey string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build request for %s", url)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req, nil
}

// HuggingFaceSource implements the ModelSource interface for HuggingFace Hub.
type HuggingFaceSource struct {
	apiURL      string
	cdnURL      string
	client      *http.Client
	apiKey      string
	concurrency int
	logger      *zap.Logger
}

// Option configures a HuggingFaceSource.
type Option func(*HuggingFaceSource)

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(client *http.Client) Option {
	return func(h *HuggingFaceSource) { h.client = client }
}

// WithConcurrency bounds the number of parallel file transfers.
func WithConcurrency(n int) Option {
	return func(h *HuggingFaceSource) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *HuggingFaceSource) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHuggingFaceSource creates a new HuggingFaceSource. A non-empty apiKey is
// sent as a bearer token.
func NewHuggingFaceSource(apiKey string, opts ...Option) *HuggingFaceSource {
	h := &HuggingFaceSource{
		apiURL:      huggingFaceAPI,
		cdnURL:      huggingFaceCDN,
		client:      &http.Client{},
		apiKey:      apiKey,
		concurrency: DefaultConcurrency,
		logger:      zap.NewNop(),
	}
	if apiURL := os.Getenv("HUGGINGFACE_API_URL"); apiURL != "" {
		h.apiURL = apiURL
	}
	if cdnURL := os.Getenv("HUGGINGFACE_CDN_URL"); cdnURL != "" {
		h.cdnURL = cdnURL
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HuggingFaceModelInfo represents the structure of the JSON response from HuggingFace API.
type HuggingFaceModelInfo struct {
	ModelID  string `json:"modelId"`
	Siblings []struct {
		RPath string `json:"rfilename"` // Relative path of the file
	} `json:"siblings"`
}

type fileKind int

const (
	graphFile fileKind = iota
	weightFile
	extraFile
)

// classify sorts a repository file into graph export, weights or extra.
// Files of no interest report false.
func classify(rPath string) (fileKind, bool) {
	base := filepath.Base(rPath)
	switch {
	case base == "graph.json" || strings.HasSuffix(base, ".graph.json"):
		return graphFile, true
	case strings.HasSuffix(base, ".safetensors"):
		return weightFile, true
	case strings.HasSuffix(base, ".json") || strings.HasSuffix(base, ".txt"):
		return extraFile, true
	}
	return 0, false
}

// DownloadModel downloads the graph export of modelID together with its
// safetensors weights and other JSON or text files. Transfers run in
// parallel, bounded by the configured concurrency; the first failure cancels
// the rest.
func (h *HuggingFaceSource) DownloadModel(ctx context.Context, modelID string, destination string) (*DownloadResult, error) {
	modelInfo, err := h.modelInfo(ctx, modelID)
	if err != nil {
		return nil, err
	}

	type transfer struct {
		rPath string
		kind  fileKind
		path  string
	}
	var transfers []transfer
	hasGraph := false
	for _, sibling := range modelInfo.Siblings {
		kind, ok := classify(sibling.RPath)
		if !ok {
			continue
		}
		if kind == graphFile {
			if hasGraph {
				h.logger.Warn("Skipping additional graph export", zap.String("file", sibling.RPath))
				continue
			}
			hasGraph = true
		}
		transfers = append(transfers, transfer{
			rPath: sibling.RPath,
			kind:  kind,
			path:  filepath.Join(destination, filepath.Base(sibling.RPath)),
		})
	}
	if !hasGraph {
		return nil, errors.Wrapf(ErrNoGraph, "model ID %s", modelID)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for _, tr := range transfers {
		g.Go(func() error {
			downloadURL := strings.TrimSuffix(h.cdnURL, "/") + "/" + modelID + "/resolve/main/" + tr.rPath
			h.logger.Info("Downloading file", zap.String("model", modelID), zap.String("file", tr.rPath))
			if err := downloadFile(gctx, h.client, downloadURL, h.apiKey, tr.path); err != nil {
				return errors.Wrapf(err, "failed to download %s", tr.rPath)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &DownloadResult{}
	for _, tr := range transfers {
		switch tr.kind {
		case graphFile:
			result.GraphPath = tr.path
		case weightFile:
			result.WeightPaths = append(result.WeightPaths, tr.path)
		case extraFile:
			result.ExtraPaths = append(result.ExtraPaths, tr.path)
		}
	}
	h.logger.Info("Download complete",
		zap.String("model", modelID),
		zap.Int("files", len(transfers)))
	return result, nil
}

func (h *HuggingFaceSource) modelInfo(ctx context.Context, modelID string) (info *HuggingFaceModelInfo, err error) {
	apiURL := h.apiURL + modelID
	req, err := newRequest(ctx, apiURL, h.apiKey)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch model info from HuggingFace API")
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "failed to close response body for %s", apiURL)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("HuggingFace API returned non-OK status: %s", resp.Status)
	}

	info = &HuggingFaceModelInfo{}
	if err := json.NewDecoder(resp.Body).Decode(info); err != nil {
		return nil, errors.Wrap(err, "failed to decode HuggingFace API response")
	}
	return info, nil
}
