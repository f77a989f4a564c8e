package inventory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseBastion decodes a JSON bastion object.
func ParseBastion(data string) (Bastion, error) {
	var b Bastion
	if err := decodeJSON(data, &b); err != nil {
		return Bastion{}, invalid("bastion", "invalid JSON: %v", err)
	}
	return b, nil
}

// ParseTargets decodes a JSON array of targets.
func ParseTargets(data string) ([]Target, error) {
	var targets []Target
	if err := decodeJSON(data, &targets); err != nil {
		return nil, invalid("targets", "invalid JSON: %v", err)
	}
	return targets, nil
}

// ParseCommands decodes a JSON array of command strings.
func ParseCommands(data string) (Commands, error) {
	var cmds Commands
	if err := decodeJSON(data, &cmds); err != nil {
		return nil, invalid("commands", "invalid JSON: %v", err)
	}
	return cmds, nil
}

// decodeJSON unmarshals exactly one JSON value.
func decodeJSON(data string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("unexpected data after value")
	}
	return nil
}

// LoadFile reads an inventory document. JSON documents are accepted too.
func LoadFile(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	inv, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", path, err)
	}
	return inv, nil
}

// Parse decodes an inventory document.
func Parse(data []byte) (*Inventory, error) {
	var inv Inventory
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&inv); err != nil {
		if errors.Is(err, io.EOF) {
			return &inv, nil
		}
		return nil, invalid("inventory", "invalid format: %v", err)
	}
	return &inv, nil
}

// Exists reports whether a local path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
