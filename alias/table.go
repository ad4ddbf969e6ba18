// Package alias maps human-meaningful names to the raw command syntax of the
// device, and describes the telemetry channels the device reports.
//
// Both mappings are loaded once from a YAML document at start-up and are
// immutable afterwards, so lookups are safe for unsynchronized concurrent use.
package alias

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

var (
	// ErrAliasNotFound indicates that the requested alias is not present in the table.
	ErrAliasNotFound = errors.New("alias: not found")

	// ErrDuplicateAlias indicates that the same alias appears more than once in the source document.
	ErrDuplicateAlias = errors.New("alias: duplicate alias")

	// ErrDuplicateIndex indicates that the same channel index appears more than once in the source document.
	ErrDuplicateIndex = errors.New("alias: duplicate channel index")

	// ErrEmptyAlias indicates an entry without an alias name.
	ErrEmptyAlias = errors.New("alias: empty alias")

	// ErrEmptyCommand indicates an entry without a raw command.
	ErrEmptyCommand = errors.New("alias: empty command")
)

// Entry is one alias to raw-command mapping.
type Entry struct {
	Alias   string `yaml:"alias"`
	Command string `yaml:"command"`
}

// Table is an immutable alias lookup table.
type Table struct {
	entries map[string]string
}

// document is the on-disk YAML shape shared by the alias table and the
// channel map.
type document struct {
	Aliases  []Entry    `yaml:"aliases"`
	Channels []*Channel `yaml:"channels"`
}

// Load reads the YAML document at path and builds the alias table and channel
// map from it. Duplicate aliases, duplicate channel indexes and malformed
// entries are configuration errors; the caller is expected to treat them as
// fatal at start-up.
func Load(path string) (*Table, ChannelMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("alias: read %s: %w", path, err)
	}

	return Parse(data)
}

// Parse builds the alias table and channel map from a YAML document.
func Parse(data []byte) (*Table, ChannelMap, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("alias: parse document: %w", err)
	}

	table, err := newTable(doc.Aliases)
	if err != nil {
		return nil, nil, err
	}

	channels, err := newChannelMap(doc.Channels)
	if err != nil {
		return nil, nil, err
	}

	return table, channels, nil
}

func newTable(entries []Entry) (*Table, error) {
	table := &Table{entries: make(map[string]string, len(entries))}

	for _, entry := range entries {
		if entry.Alias == "" {
			return nil, ErrEmptyAlias
		}
		if entry.Command == "" {
			return nil, fmt.Errorf("%w: alias %q", ErrEmptyCommand, entry.Alias)
		}
		if _, exists := table.entries[entry.Alias]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateAlias, entry.Alias)
		}

		table.entries[entry.Alias] = entry.Command
	}

	return table, nil
}

// Resolve returns the raw device command for the given alias, or
// ErrAliasNotFound if the alias is not configured. The lookup is pure and has
// no side effects.
func (t *Table) Resolve(alias string) (string, error) {
	command, ok := t.entries[alias]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrAliasNotFound, alias)
	}

	return command, nil
}

// Len returns the number of configured aliases.
func (t *Table) Len() int {
	return len(t.entries)
}

// Aliases returns the configured alias names. The order is unspecified.
func (t *Table) Aliases() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}

	return names
}
