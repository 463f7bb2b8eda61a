// Package compiler compiles Solidity with a local solc and decodes its
// combined-json output.
package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/compiler"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

const sourceFile = "Exploit.sol"

// Output is one compiled contract.
type Output struct {
	Name     string
	ABI      string
	Bytecode []byte
}

// Solc runs the solc binary.
type Solc struct {
	Path       string
	EVMVersion string
	Timeout    time.Duration
}

// NewSolc creates a Solc; an empty path resolves "solc" on PATH.
func NewSolc(path, evmVersion string, timeout time.Duration) *Solc {
	if path == "" {
		path = "solc"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Solc{Path: path, EVMVersion: evmVersion, Timeout: timeout}
}

// Available reports whether the binary can be found.
func (s *Solc) Available() bool {
	_, err := exec.LookPath(s.Path)
	return err == nil
}

// Compile builds source and returns the contract called name. Compiler
// diagnostics are returned wrapped in domain.ErrCompileFailed.
func (s *Solc) Compile(ctx context.Context, source, name string) (Output, error) {
	bin, err := exec.LookPath(s.Path)
	if err != nil {
		return Output{}, fmt.Errorf("compiler: %s: %w", s.Path, errors.Join(err, domain.ErrToolingMissing))
	}

	dir, err := os.MkdirTemp("", "econaudit-solc-")
	if err != nil {
		return Output{}, fmt.Errorf("compiler: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	if err := os.WriteFile(filepath.Join(dir, sourceFile), []byte(source), 0o600); err != nil {
		return Output{}, fmt.Errorf("compiler: write source: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	args := []string{"--combined-json", "abi,bin", "--optimize"}
	if s.EVMVersion != "" {
		args = append(args, "--evm-version", s.EVMVersion)
	}
	args = append(args, sourceFile)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Output{}, fmt.Errorf("compiler: solc: %w", errors.Join(ctx.Err(), domain.ErrCompileFailed))
		}
		return Output{}, fmt.Errorf("compiler: %s: %w", firstError(stderr.String()), domain.ErrCompileFailed)
	}
	return Parse(stdout.Bytes(), source, name)
}

// Parse decodes solc --combined-json output and selects name. With an empty
// name the only deployable contract is returned.
func Parse(combined []byte, source, name string) (Output, error) {
	contracts, err := compiler.ParseCombinedJSON(combined, source, "", "", "")
	if err != nil {
		return Output{}, fmt.Errorf("compiler: parse output: %w", errors.Join(err, domain.ErrCompileFailed))
	}

	keys := make([]string, 0, len(contracts))
	for k := range contracts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pick string
	for _, k := range keys {
		short := k[strings.LastIndex(k, ":")+1:]
		if name != "" && short == name {
			pick = k
			break
		}
		if name == "" && len(contracts[k].Code) > len("0x") {
			if pick != "" {
				return Output{}, fmt.Errorf("compiler: several deployable contracts, name required: %w", domain.ErrCompileFailed)
			}
			pick = k
		}
	}
	if pick == "" {
		return Output{}, fmt.Errorf("compiler: contract %q not in output: %w", name, domain.ErrCompileFailed)
	}

	c := contracts[pick]
	code, err := hexutil.Decode(normalizeHex(c.Code))
	if err != nil || len(code) == 0 {
		return Output{}, fmt.Errorf("compiler: %s has no bytecode: %w", pick, domain.ErrCompileFailed)
	}
	abiJSON, err := json.Marshal(c.Info.AbiDefinition)
	if err != nil {
		return Output{}, fmt.Errorf("compiler: encode abi: %w", err)
	}
	return Output{
		Name:     pick[strings.LastIndex(pick, ":")+1:],
		ABI:      string(abiJSON),
		Bytecode: code,
	}, nil
}

func normalizeHex(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}

// firstError picks the first "Error:" line from solc diagnostics.
func firstError(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		if strings.Contains(line, "Error") {
			return strings.TrimSpace(line)
		}
	}
	if s := strings.TrimSpace(stderr); s != "" {
		return s
	}
	return "solc failed"
}
