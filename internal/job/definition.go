package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"coordinator/internal/apperrors"
)

// Validation limits
const (
	maxCPU            = 64    // cores
	maxGPU            = 16    // devices
	maxMemory         = 65536 // MB (64GB)
	maxTimeoutSecs    = 86400 // 24 hours
	maxEnvEntries     = 64
	maxInputs         = 64
	maxInputNameLen   = 255
	maxNamespaceLen   = 256
	maxCallbackEvents = 16
	defaultTimeout    = 3600
	defaultWorkspace  = "/workspace"
)

// Definition declares what a job runs. The job id is derived from it.
type Definition struct {
	Image          string            `json:"image"`
	Command        string            `json:"command,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Inputs         map[string]string `json:"inputs,omitempty"` // file name -> URL or inline content
	Workspace      string            `json:"workspace,omitempty"`
	CPU            float64           `json:"cpu,omitempty"`
	Memory         int               `json:"memory,omitempty"` // MB
	GPU            int               `json:"gpu,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	Callback       *Callback         `json:"callback,omitempty"`
}

// hashedDefinition is the subset of a Definition that determines identity.
type hashedDefinition struct {
	Image     string            `json:"image"`
	Command   string            `json:"command"`
	Env       map[string]string `json:"env"`
	Inputs    map[string]string `json:"inputs"`
	Workspace string            `json:"workspace"`
	GPU       int               `json:"gpu"`
}

// Hash computes the content-derived job id. Query strings and fragments of
// input URLs are dropped first, so re-signed URLs for the same object yield
// the same id.
func (d Definition) Hash() string {
	inputs := make(map[string]string, len(d.Inputs))
	for name, in := range d.Inputs {
		inputs[name] = StripURLQuery(in)
	}
	workspace := d.Workspace
	if workspace == "" {
		workspace = defaultWorkspace
	}

	// Map keys are sorted by encoding/json, making the encoding canonical.
	data, _ := json.Marshal(hashedDefinition{
		Image:     d.Image,
		Command:   d.Command,
		Env:       d.Env,
		Inputs:    inputs,
		Workspace: workspace,
		GPU:       d.GPU,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StripURLQuery removes the query string and fragment from http(s) URLs and
// returns any other value unchanged.
func StripURLQuery(s string) string {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return s
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// ApplyDefaults sets default values for unspecified fields.
func (d *Definition) ApplyDefaults() {
	if d.TimeoutSeconds <= 0 {
		d.TimeoutSeconds = defaultTimeout
	}
	if d.CPU <= 0 {
		d.CPU = 1
	}
	if d.Memory <= 0 {
		d.Memory = 512
	}
	if d.Workspace == "" {
		d.Workspace = defaultWorkspace
	}
}

// Validate validates a definition. Does not modify it.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Image) == "" {
		return apperrors.Validation("image", "image is required")
	}
	if d.TimeoutSeconds > maxTimeoutSecs {
		return apperrors.Validation("timeoutSeconds", fmt.Sprintf("timeout exceeds maximum of %d seconds", maxTimeoutSecs))
	}
	if d.CPU > maxCPU {
		return apperrors.Validation("cpu", fmt.Sprintf("CPU exceeds maximum of %d cores", maxCPU))
	}
	if d.GPU < 0 || d.GPU > maxGPU {
		return apperrors.Validation("gpu", fmt.Sprintf("GPU count must be between 0 and %d", maxGPU))
	}
	if d.Memory > maxMemory {
		return apperrors.Validation("memory", fmt.Sprintf("memory exceeds maximum of %d MB", maxMemory))
	}
	if len(d.Env) > maxEnvEntries {
		return apperrors.Validation("env", fmt.Sprintf("environment exceeds maximum of %d entries", maxEnvEntries))
	}
	if len(d.Inputs) > maxInputs {
		return apperrors.Validation("inputs", fmt.Sprintf("inputs exceed maximum of %d", maxInputs))
	}
	for name := range d.Inputs {
		if name == "" || len(name) > maxInputNameLen {
			return apperrors.Validation("inputs", "input names must be between 1 and 255 characters")
		}
		if strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
			return apperrors.Validation("inputs", fmt.Sprintf("input name %q must be a relative path", name))
		}
	}
	if d.Callback != nil {
		if err := validateURL(d.Callback.URL); err != nil {
			return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
		}
		if len(d.Callback.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
	}
	return nil
}

// ValidateNamespace checks the optional namespace tag of a submission.
func ValidateNamespace(ns string) error {
	if len(ns) > maxNamespaceLen {
		return apperrors.Validation("namespace", fmt.Sprintf("namespace exceeds maximum length of %d", maxNamespaceLen))
	}
	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// SameDefinition reports whether two definitions are field-for-field equal,
// including parts that do not contribute to the hash.
func SameDefinition(a, b Definition) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
