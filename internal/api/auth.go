package api

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ClientSet is the set of client_id strings allowed to use the service.
type ClientSet map[string]struct{}

// LoadClients reads the clients file: one client_id per line, blank lines
// and lines starting with # are skipped.
func LoadClients(path string) (ClientSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("api: clients file: %w", err)
	}
	defer f.Close()

	set := ClientSet{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("api: clients file: %w", err)
	}
	return set, nil
}

func (s ClientSet) Valid(id string) bool {
	_, ok := s[id]
	return ok
}
