package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/simqueue/internal/config"
	"github.com/kingrea/simqueue/internal/lock"
	"github.com/kingrea/simqueue/internal/logbook"
	"github.com/kingrea/simqueue/internal/simfile"
)

type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	var pairs []string
	for key, value := range *kv {
		pairs = append(pairs, fmt.Sprintf("%s=%s", key, value))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ", ")
}

func (kv *keyValueFlag) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	key := strings.TrimSpace(parts[0])
	if key == "" {
		return fmt.Errorf("assignment key is empty in %q", value)
	}
	if *kv == nil {
		*kv = keyValueFlag{}
	}
	(*kv)[key] = strings.TrimSpace(parts[1])
	return nil
}

// buildDescriptor loads the reference template and applies the values file
// first, then --set assignments on top.
func buildDescriptor(template, valuesFile string, sets keyValueFlag) (*simfile.Descriptor, error) {
	desc, err := simfile.LoadTemplate(template)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(valuesFile) != "" {
		values, err := readValuesFile(valuesFile)
		if err != nil {
			return nil, err
		}
		if err := desc.Apply(values); err != nil {
			return nil, err
		}
	}
	if err := desc.Apply(sets); err != nil {
		return nil, err
	}
	return desc, nil
}

func readValuesFile(path string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open values file %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, expected a file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read values file %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse values file %s: %w", path, err)
	}
	values := make(map[string]string, len(raw))
	for key, value := range raw {
		if value == nil {
			return nil, fmt.Errorf("values file %s: %s has no value", path, key)
		}
		values[key] = fmt.Sprint(value)
	}
	return values, nil
}

func lockFor(cfg *config.Config, lb *logbook.Logbook) *lock.Sentinel {
	return lock.New(cfg.LockPath(),
		lock.WithPoll(cfg.Project.Render.LockPoll),
		lock.WithOwner(lb.Worker()),
		lock.WithProgress(os.Stdout),
	)
}
