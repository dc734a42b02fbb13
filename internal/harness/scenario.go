package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/possync/internal/resolver"
	"github.com/roach88/possync/internal/store"
	"github.com/roach88/possync/internal/vclock"
)

// Scenario defines a reconciliation scenario: an initial inventory, a
// sequence of device uploads, and the expected outcome of every mutation.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Policy is optional CUE policy source. Empty uses the defaults.
	Policy string `yaml:"policy,omitempty"`

	// Products seed the store before the first batch.
	Products []ProductSeed `yaml:"products"`

	// Batches are reconciled in order.
	Batches []BatchStep `yaml:"batches"`

	// FinalStock maps product ids to their expected stock after all batches.
	FinalStock map[string]int64 `yaml:"final_stock,omitempty"`

	// AuditCount is the expected number of PENDING audit entries.
	AuditCount *int `yaml:"audit_count,omitempty"`
}

// ProductSeed is an initial product row. Also the element type of seed
// files read by the CLI.
type ProductSeed struct {
	ID         string           `yaml:"id"`
	Name       string           `yaml:"name,omitempty"`
	Stock      int64            `yaml:"stock"`
	Clock      map[string]int64 `yaml:"clock,omitempty"`
	Controlled bool             `yaml:"controlled,omitempty"`
}

// Product converts the seed to a store row.
func (p ProductSeed) Product() (store.Product, error) {
	clock, err := vclock.Of(p.Clock)
	if err != nil {
		return store.Product{}, fmt.Errorf("product %s: %w", p.ID, err)
	}
	return store.Product{
		ID:         p.ID,
		Name:       p.Name,
		Stock:      p.Stock,
		Clock:      clock,
		Controlled: p.Controlled,
	}, nil
}

// BatchStep is one device upload. Also the format of batch files read by
// the CLI.
type BatchStep struct {
	Device    string         `yaml:"device"`
	Mutations []MutationStep `yaml:"mutations"`

	// ExpectError is the expected batch-level error code, e.g. INVALID_BATCH.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// MutationStep is one offline sale.
type MutationStep struct {
	ID string `yaml:"id"`

	// Device overrides the batch device. Used to build malformed batches.
	Device string `yaml:"device,omitempty"`

	Product    string           `yaml:"product"`
	Delta      int64            `yaml:"delta"`
	Clock      map[string]int64 `yaml:"clock,omitempty"`
	Controlled bool             `yaml:"controlled,omitempty"`

	// Expect specifies the expected outcome. If nil, no validation is
	// performed for this mutation.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a mutation. Only the
// fields that are set are checked.
type ExpectClause struct {
	Disposition   string `yaml:"disposition,omitempty"`
	Stock         *int64 `yaml:"stock,omitempty"`
	RequiresAudit *bool  `yaml:"requires_audit,omitempty"`
	Replayed      *bool  `yaml:"replayed,omitempty"`

	// Error is the expected per-mutation error code, e.g. PRODUCT_NOT_FOUND.
	Error string `yaml:"error,omitempty"`
}

// Mutation converts the step to a resolver mutation from batchDevice.
func (m MutationStep) Mutation(batchDevice string) (resolver.OfflineMutation, error) {
	clock, err := vclock.Of(m.Clock)
	if err != nil {
		return resolver.OfflineMutation{}, fmt.Errorf("mutation %s: %w", m.ID, err)
	}
	device := m.Device
	if device == "" {
		device = batchDevice
	}
	return resolver.OfflineMutation{
		MutationID:          m.ID,
		DeviceID:            device,
		ProductID:           m.Product,
		QuantityDelta:       m.Delta,
		ControlledSubstance: m.Controlled,
		Clock:               clock,
	}, nil
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	if err := decodeStrict(data, &scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// LoadBatch reads a single batch YAML file.
func LoadBatch(path string) (*BatchStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	var batch BatchStep
	if err := decodeStrict(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateBatch(0, &batch); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}
	return &batch, nil
}

// LoadProducts reads a seed file of the form "products: [...]".
func LoadProducts(path string) ([]ProductSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read products file: %w", err)
	}
	var file struct {
		Products []ProductSeed `yaml:"products"`
	}
	if err := decodeStrict(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateProducts(file.Products); err != nil {
		return nil, fmt.Errorf("invalid products: %w", err)
	}
	return file.Products, nil
}

// decodeStrict decodes YAML rejecting unknown fields, so typos like
// "mutation:" for "mutations:" fail loudly.
func decodeStrict(data []byte, out any) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	return decoder.Decode(out)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if err := validateProducts(s.Products); err != nil {
		return err
	}

	if len(s.Batches) == 0 {
		return fmt.Errorf("batches list is required and must be non-empty")
	}

	for i := range s.Batches {
		if err := validateBatch(i, &s.Batches[i]); err != nil {
			return err
		}
	}

	if s.AuditCount != nil && *s.AuditCount < 0 {
		return fmt.Errorf("audit_count must be non-negative")
	}

	return nil
}

func validateProducts(products []ProductSeed) error {
	seen := make(map[string]bool, len(products))
	for i, p := range products {
		if p.ID == "" {
			return fmt.Errorf("products[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("products[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if _, err := vclock.Of(p.Clock); err != nil {
			return fmt.Errorf("products[%d]: %w", i, err)
		}
	}
	return nil
}

// validateBatch checks the file shape only. Semantic checks such as device
// ownership are left to the engine so scenarios can exercise them.
func validateBatch(i int, b *BatchStep) error {
	if len(b.Mutations) == 0 {
		return fmt.Errorf("batches[%d]: mutations list is required and must be non-empty", i)
	}
	for j, m := range b.Mutations {
		if _, err := vclock.Of(m.Clock); err != nil {
			return fmt.Errorf("batches[%d].mutations[%d]: %w", i, j, err)
		}
		if m.Expect != nil && m.Expect.Disposition != "" {
			if _, err := resolver.ParseDisposition(m.Expect.Disposition); err != nil {
				return fmt.Errorf("batches[%d].mutations[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}
