// Package source fetches verified contract source from Etherscan-family
// block explorers.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// Explorer is one chain's explorer API.
type Explorer struct {
	BaseURL string
	// ChainID is sent as chainid for multichain (v2) endpoints; zero omits it.
	ChainID int64
	APIKey  string
}

// Config holds fetcher settings.
type Config struct {
	Explorers   map[domain.Chain]Explorer
	Timeout     time.Duration
	MaxAttempts int
	RPS         float64
}

// Contract is a verified contract as published by the explorer.
type Contract struct {
	Address  common.Address    `json:"address"`
	Chain    domain.Chain      `json:"chain"`
	Name     string            `json:"name"`
	Compiler string            `json:"compiler"`
	ABI      string            `json:"abi,omitempty"`
	Source   string            `json:"source"`
	Files    map[string]string `json:"files,omitempty"`
}

// Fetcher downloads contract source.
type Fetcher struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// New creates a Fetcher.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 4
	}
	return &Fetcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		logger:     logger.With(slog.String("component", "source")),
	}
}

type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type apiSource struct {
	SourceCode      string `json:"SourceCode"`
	ABI             string `json:"ABI"`
	ContractName    string `json:"ContractName"`
	CompilerVersion string `json:"CompilerVersion"`
}

var errRateLimited = fmt.Errorf("explorer: %w", domain.ErrRateLimited)

// Fetch returns the verified source of addr. Unverified contracts are
// domain.ErrSourceUnavailable.
func (f *Fetcher) Fetch(ctx context.Context, chain domain.Chain, addr common.Address) (Contract, error) {
	ex, ok := f.cfg.Explorers[chain]
	if !ok || ex.BaseURL == "" {
		return Contract{}, fmt.Errorf("source: no explorer for chain %s: %w", chain, domain.ErrSourceUnavailable)
	}

	params := url.Values{}
	params.Set("module", "contract")
	params.Set("action", "getsourcecode")
	params.Set("address", addr.Hex())
	if ex.ChainID > 0 {
		params.Set("chainid", strconv.FormatInt(ex.ChainID, 10))
	}
	if ex.APIKey != "" {
		params.Set("apikey", ex.APIKey)
	}
	endpoint := ex.BaseURL + "?" + params.Encode()

	var src apiSource
	op := func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		body, err := f.doGet(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		src, err = decode(body)
		if errors.Is(err, errRateLimited) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.cfg.MaxAttempts-1)), ctx)); err != nil {
		return Contract{}, fmt.Errorf("source: fetch %s on %s: %w", addr.Hex(), chain, err)
	}

	if strings.TrimSpace(src.SourceCode) == "" {
		return Contract{}, fmt.Errorf("source: %s on %s is not verified: %w", addr.Hex(), chain, domain.ErrSourceUnavailable)
	}

	c := Contract{
		Address:  addr,
		Chain:    chain,
		Name:     src.ContractName,
		Compiler: src.CompilerVersion,
	}
	if strings.HasPrefix(strings.TrimSpace(src.ABI), "[") {
		c.ABI = src.ABI
	}
	c.Source, c.Files = Unwrap(src.SourceCode, src.ContractName)

	f.logger.DebugContext(ctx, "source fetched",
		slog.String("address", addr.Hex()),
		slog.String("chain", string(chain)),
		slog.String("contract", c.Name),
		slog.Int("files", len(c.Files)),
	)
	return c, nil
}

func (f *Fetcher) doGet(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errRateLimited
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}
	return body, nil
}

func decode(body []byte) (apiSource, error) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return apiSource{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "1" {
		var msg string
		_ = json.Unmarshal(resp.Result, &msg)
		if strings.Contains(strings.ToLower(msg), "rate limit") {
			return apiSource{}, errRateLimited
		}
		if msg == "" {
			msg = resp.Message
		}
		return apiSource{}, fmt.Errorf("explorer: %s: %w", msg, domain.ErrSourceUnavailable)
	}
	var results []apiSource
	if err := json.Unmarshal(resp.Result, &results); err != nil {
		return apiSource{}, fmt.Errorf("decode result: %w", err)
	}
	if len(results) == 0 {
		return apiSource{}, fmt.Errorf("explorer: empty result: %w", domain.ErrSourceUnavailable)
	}
	return results[0], nil
}

type standardJSON struct {
	Sources map[string]struct {
		Content string `json:"content"`
	} `json:"sources"`
}

func contractNamed(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^\s*(?:abstract\s+)?contract\s+` + regexp.QuoteMeta(name) + `\b`)
}

// Unwrap turns the explorer's SourceCode field into the main contract's
// file. Multi-file submissions arrive as standard-JSON input, sometimes
// wrapped in an extra pair of braces, or as a bare map of files; the file
// declaring contract name is returned along with every file.
func Unwrap(raw, name string) (string, map[string]string) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return raw, nil
	}
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		trimmed = trimmed[1 : len(trimmed)-1]
	}

	files := make(map[string]string)
	var std standardJSON
	if err := json.Unmarshal([]byte(trimmed), &std); err == nil && len(std.Sources) > 0 {
		for path, f := range std.Sources {
			files[path] = f.Content
		}
	} else {
		var bare map[string]struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(trimmed), &bare); err != nil || len(bare) == 0 {
			return raw, nil
		}
		for path, f := range bare {
			files[path] = f.Content
		}
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if name != "" {
		re := contractNamed(name)
		for _, p := range paths {
			if re.MatchString(files[p]) {
				return files[p], files
			}
		}
	}
	// Fall back to the largest file.
	main := paths[0]
	for _, p := range paths[1:] {
		if len(files[p]) > len(files[main]) {
			main = p
		}
	}
	return files[main], files
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
