package provider

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidSuffixes are the region suffixes a marketplace account name must
// carry so credentials can be matched to a provider region.
var ValidSuffixes = []string{"-na", "-emea", "-storage"}

// Credentials is one marketplace account's auth entry. Auth holds the
// provider-specific keys; each provider decodes it into its own typed
// credentials struct.
type Credentials struct {
	MarketplaceAccount string         `yaml:"marketplace_account" json:"marketplace_account"`
	Auth               map[string]any `yaml:"auth" json:"auth"`
}

// ValidationError collects every problem found while loading credentials.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("credentials validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// LoadCredentials loads marketplace credentials from a list of inputs.
// Each input is either a path to a YAML/JSON file or inline base64
// encoded JSON, matching what operators pass on --credentials. All
// problems across all inputs are collected into one error.
func LoadCredentials(inputs []string) ([]Credentials, error) {
	var creds []Credentials
	var errs []string

	for i, input := range inputs {
		c, err := decodeCredential(input)
		if err != nil {
			errs = append(errs, fmt.Sprintf("credentials[%d]: %v", i, err))
			continue
		}
		if problems := validateCredential(c); len(problems) > 0 {
			for _, p := range problems {
				errs = append(errs, fmt.Sprintf("credentials[%d]: %s", i, p))
			}
			continue
		}
		creds = append(creds, c)
	}

	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return creds, nil
}

func decodeCredential(input string) (Credentials, error) {
	var data []byte
	if _, err := os.Stat(input); err == nil {
		data, err = os.ReadFile(input)
		if err != nil {
			return Credentials{}, fmt.Errorf("reading credentials file: %v", err)
		}
	} else {
		decoded, err := base64.StdEncoding.DecodeString(input)
		if err != nil {
			return Credentials{}, fmt.Errorf("invalid credentials — not a file path and not valid base64")
		}
		data = decoded
	}

	var c Credentials
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("invalid credentials — %v", err)
	}
	return c, nil
}

func validateCredential(c Credentials) []string {
	var problems []string
	if c.MarketplaceAccount == "" {
		problems = append(problems, "missing mandatory key 'marketplace_account'")
	} else if !hasValidSuffix(c.MarketplaceAccount) {
		problems = append(problems, fmt.Sprintf(
			"invalid marketplace account '%s': missing region suffix — expected one of %s",
			c.MarketplaceAccount, strings.Join(ValidSuffixes, ", ")))
	}
	if len(c.Auth) == 0 {
		problems = append(problems, "missing 'auth' section")
	}
	return problems
}

func hasValidSuffix(account string) bool {
	for _, suffix := range ValidSuffixes {
		if strings.HasSuffix(account, suffix) {
			return true
		}
	}
	return false
}

// DecodeAuth decodes the free-form auth section into a typed credentials
// struct through its json tags.
func DecodeAuth(auth map[string]any, into any) error {
	raw, err := json.Marshal(auth)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, into)
}
