package score

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed vocab.yaml
var defaultVocabYAML []byte

// Vocabulary holds the token lists the reflection-depth sub-score matches
// against. The lists are data; DefaultVocabulary loads the embedded set and
// LoadVocabulary reads an override file.
type Vocabulary struct {
	Breakthrough     []string `yaml:"breakthrough"`
	PositiveEmotions []string `yaml:"positive_emotions"`
	NegativeEmotions []string `yaml:"negative_emotions"`
	ActionVerbs      []string `yaml:"action_verbs"`
}

func DefaultVocabulary() *Vocabulary {
	v, err := parseVocab(defaultVocabYAML)
	if err != nil {
		// The embedded file ships with the binary; failing to parse it is a
		// build defect.
		panic(fmt.Sprintf("score: embedded vocabulary invalid: %v", err))
	}
	return v
}

func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary %s: %w", path, err)
	}
	return parseVocab(data)
}

func parseVocab(data []byte) (*Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	if len(v.Breakthrough) == 0 {
		return nil, fmt.Errorf("vocabulary: breakthrough list is empty")
	}
	return &v, nil
}
