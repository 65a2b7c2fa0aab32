package secrets

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// Source describes how to load a secret value.
type Source struct {
	// Name is used in error messages to give more context about the secret.
	Name string
	// Value is an inline secret value provided via configuration or environment.
	Value string
	// File points to a file containing the secret value. When set it takes
	// precedence over Value.
	File string
}

// ListSource describes how to load an ordered list of secrets, one per line.
type ListSource struct {
	Name   string
	Values []string
	// File holds one secret per line. Blank lines and lines starting with '#'
	// are skipped. When set it takes precedence over Values.
	File string
}

// Load returns the resolved secret value from the provided source. The
// returned secret is always trimmed. An error is returned when neither File
// nor Value contain a usable secret.
func Load(src Source) (string, error) {
	name := sourceName(src.Name)

	file := strings.TrimSpace(src.File)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading %s from file %q: %w", name, file, err)
		}
		src.Value = string(data)
		src.File = file
	}

	secret := strings.TrimSpace(src.Value)
	if secret == "" {
		if src.File != "" {
			return "", fmt.Errorf("%s file %q is empty", name, src.File)
		}
		return "", fmt.Errorf("%s is not configured", name)
	}

	return secret, nil
}

// LoadOptional behaves like Load but reports an unconfigured secret as an empty
// string instead of an error. Unreadable or empty files are still errors.
func LoadOptional(src Source) (string, error) {
	if strings.TrimSpace(src.File) == "" && strings.TrimSpace(src.Value) == "" {
		return "", nil
	}
	return Load(src)
}

// LoadList resolves an ordered, de-duplicated list of secrets. Order is
// preserved because list positions become stable credential indices.
func LoadList(src ListSource) ([]string, error) {
	name := sourceName(src.Name)

	values := src.Values
	file := strings.TrimSpace(src.File)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading %s from file %q: %w", name, file, err)
		}
		values = nil
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			values = append(values, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scanning %s file %q: %w", name, file, err)
		}
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" || strings.HasPrefix(value, "#") {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}

	if len(result) == 0 {
		if file != "" {
			return nil, fmt.Errorf("%s file %q has no entries", name, file)
		}
		return nil, fmt.Errorf("%s is not configured", name)
	}

	return result, nil
}

func sourceName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "secret"
	}
	return name
}
