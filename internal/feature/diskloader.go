package feature

import (
	"os"

	"github.com/relaytest/karate-go/internal/gherkin"
)

func readFeatureFile(path string) (*gherkin.Feature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return gherkin.Read(path, f)
}
