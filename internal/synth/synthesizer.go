// Package synth turns a vulnerability reference into compiled exploit code,
// either from an embedded template or by asking a code-generation model.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/econaudit/internal/compiler"
	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/llm"
	"github.com/alanyoungcy/econaudit/internal/metrics"
)

// Policy selects between templates and generated code.
type Policy string

const (
	PolicyTemplateFirst Policy = "template_first"
	PolicyTemplateOnly  Policy = "template_only"
	PolicyGeneratedOnly Policy = "generated_only"
)

// ParsePolicy validates a configured policy name. Empty means template_first.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return PolicyTemplateFirst, nil
	case PolicyTemplateFirst, PolicyTemplateOnly, PolicyGeneratedOnly:
		return p, nil
	}
	return "", fmt.Errorf("synth: unknown policy %q: %w", s, domain.ErrInvalidInput)
}

const (
	templateContract  = "ExploitVerifier"
	generatedContract = "FlawVerifier"
)

// Generator is the code-generation collaborator.
type Generator interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// Compiler is the compile gate every artifact passes through.
type Compiler interface {
	Compile(ctx context.Context, source, name string) (compiler.Output, error)
}

// ChainInfo is the per-chain venue data templates are filled with.
type ChainInfo struct {
	Router        common.Address
	WrappedNative common.Address
}

// Config controls synthesis.
type Config struct {
	Policy            Policy
	Chains            map[domain.Chain]ChainInfo
	FlashLoanFeeBps   int64
	ReentryIterations int
}

// Synthesizer produces ExploitArtifacts.
type Synthesizer struct {
	cfg      Config
	registry *Registry
	gen      Generator
	compiler Compiler
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Synthesizer. gen may be nil, in which case generated code
// is reported as domain.ErrGeneratorOffline.
func New(cfg Config, registry *Registry, gen Generator, comp Compiler, m *metrics.Metrics, logger *slog.Logger) *Synthesizer {
	if cfg.Policy == "" {
		cfg.Policy = PolicyTemplateFirst
	}
	if cfg.FlashLoanFeeBps == 0 {
		cfg.FlashLoanFeeBps = 9
	}
	if cfg.ReentryIterations <= 0 {
		cfg.ReentryIterations = 5
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Synthesizer{
		cfg:      cfg,
		registry: registry,
		gen:      gen,
		compiler: comp,
		metrics:  m,
		logger:   logger.With(slog.String("component", "synthesizer")),
		now:      time.Now,
	}
}

// Synthesize builds and compiles an exploit for ref against iface. Code that
// fails the shape check or the compiler is never returned.
func (s *Synthesizer) Synthesize(ctx context.Context, ref domain.VulnerabilityRef, iface domain.TargetInterface) (domain.ExploitArtifact, error) {
	if ref.Kind() == "" {
		return domain.ExploitArtifact{}, fmt.Errorf("synth: empty vulnerability reference: %w", domain.ErrInvalidInput)
	}
	if iface.Address == (common.Address{}) {
		return domain.ExploitArtifact{}, fmt.Errorf("synth: target address required: %w", domain.ErrInvalidInput)
	}

	var (
		art domain.ExploitArtifact
		err error
	)
	switch s.cfg.Policy {
	case PolicyTemplateOnly:
		art, err = s.fromTemplate(ctx, ref, iface)
	case PolicyGeneratedOnly:
		art, err = s.generate(ctx, ref, iface)
	default:
		art, err = s.fromTemplate(ctx, ref, iface)
		if err != nil && s.gen != nil && (errors.Is(err, domain.ErrNoTemplate) || errors.Is(err, domain.ErrCompileFailed)) {
			s.logger.InfoContext(ctx, "template unusable, generating",
				slog.String("kind", string(ref.Kind())),
				slog.String("error", err.Error()),
			)
			art, err = s.generate(ctx, ref, iface)
		}
	}

	s.metrics.Synthesized(string(art.Method), string(domain.Classify(err)))
	if err != nil {
		return domain.ExploitArtifact{}, err
	}
	s.logger.InfoContext(ctx, "exploit synthesized",
		slog.String("artifact", art.ID),
		slog.String("kind", string(art.Vulnerability)),
		slog.String("method", string(art.Method)),
		slog.String("contract", art.ContractName),
	)
	return art, nil
}

func (s *Synthesizer) fromTemplate(ctx context.Context, ref domain.VulnerabilityRef, iface domain.TargetInterface) (domain.ExploitArtifact, error) {
	t, err := s.registry.Get(ref.Kind())
	if err != nil {
		return domain.ExploitArtifact{}, err
	}
	code, err := t.Render(s.templateData(ref, iface))
	if err != nil {
		return domain.ExploitArtifact{}, err
	}
	return s.compile(ctx, ref, iface, domain.GenerationTemplate, code, templateContract)
}

func (s *Synthesizer) generate(ctx context.Context, ref domain.VulnerabilityRef, iface domain.TargetInterface) (domain.ExploitArtifact, error) {
	if s.gen == nil {
		return domain.ExploitArtifact{}, fmt.Errorf("synth: no generator configured: %w", domain.ErrGeneratorOffline)
	}
	reply, err := s.gen.Chat(ctx, buildPrompt(ref, iface, generatedContract))
	if err != nil {
		return domain.ExploitArtifact{}, fmt.Errorf("synth: generate: %w", err)
	}
	code := ExtractSolidity(reply)
	name, err := CheckShape(code)
	if err != nil {
		return domain.ExploitArtifact{}, err
	}
	return s.compile(ctx, ref, iface, domain.GenerationSynthesized, code, name)
}

func (s *Synthesizer) compile(ctx context.Context, ref domain.VulnerabilityRef, iface domain.TargetInterface, method domain.GenerationMethod, code, name string) (domain.ExploitArtifact, error) {
	if s.compiler == nil {
		return domain.ExploitArtifact{}, fmt.Errorf("synth: no compiler configured: %w", domain.ErrToolingMissing)
	}
	out, err := s.compiler.Compile(ctx, code, name)
	if err != nil {
		return domain.ExploitArtifact{}, fmt.Errorf("synth: %s %s: %w", method, ref.Kind(), err)
	}
	args, err := constructorArgs(out.ABI, iface.Address)
	if err != nil {
		return domain.ExploitArtifact{}, err
	}
	return domain.ExploitArtifact{
		ID:              uuid.NewString(),
		Target:          iface.Address,
		Chain:           iface.Chain,
		Vulnerability:   ref.Kind(),
		Description:     ref.Describe(),
		Method:          method,
		ContractName:    out.Name,
		Source:          code,
		ABI:             out.ABI,
		Bytecode:        out.Bytecode,
		ConstructorArgs: args,
		CreatedAt:       s.now().UTC(),
	}, nil
}

func (s *Synthesizer) templateData(ref domain.VulnerabilityRef, iface domain.TargetInterface) templateData {
	entry := EntryPoints(iface.ABI)
	if iface.BuyFunction != "" {
		entry.Buy = iface.BuyFunction
	}
	if iface.SellFunction != "" {
		entry.Sell = iface.SellFunction
	}

	d := templateData{
		ContractName:     templateContract,
		Description:      oneLine(ref.Describe()),
		Token:            iface.Address.Hex(),
		BuyFunction:      entry.Buy,
		SellFunction:     entry.Sell,
		WithdrawFunction: entry.Withdraw,
		BuyFromTarget:    true,
		FeeBps:           s.cfg.FlashLoanFeeBps,
		Iterations:       s.cfg.ReentryIterations,
	}
	if ci, ok := s.cfg.Chains[iface.Chain]; ok {
		d.Router = checksum(ci.Router)
		d.WrappedNative = checksum(ci.WrappedNative)
	}

	switch {
	case ref.Deviation != nil:
		d.BuyFromTarget = ref.Deviation.Direction != domain.DirectionOverpriced
		if common.IsHexAddress(ref.Deviation.Token) {
			d.Token = common.HexToAddress(ref.Deviation.Token).Hex()
		}
	case ref.Opportunity != nil:
		d.BuyFromTarget = len(ref.Opportunity.Path) == 0 || ref.Opportunity.Path[0] == "contract" || ref.Opportunity.Path[0] == "flash_loan"
	}
	if ref.Opportunity != nil && common.IsHexAddress(ref.Opportunity.Token) {
		d.Token = common.HexToAddress(ref.Opportunity.Token).Hex()
	}
	return d
}

// constructorArgs encodes the target address when the constructor takes one.
func constructorArgs(abiJSON string, target common.Address) ([]byte, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("synth: parse abi: %w", errors.Join(err, domain.ErrCompileFailed))
	}
	switch len(parsed.Constructor.Inputs) {
	case 0:
		return nil, nil
	case 1:
		args, err := parsed.Pack("", target)
		if err != nil {
			return nil, fmt.Errorf("synth: constructor args: %w", errors.Join(err, domain.ErrShapeRejected))
		}
		return args, nil
	default:
		return nil, fmt.Errorf("synth: constructor takes %d arguments: %w", len(parsed.Constructor.Inputs), domain.ErrShapeRejected)
	}
}

// checksum renders a non-zero address as a Solidity address literal.
func checksum(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
