package requestidlint_test

import (
	"testing"

	"golang.org/x/tools/go/analysis/analysistest"

	"github.com/corsair-labs/marketplace-orchestrator/tools/requestidlint"
)

func TestAnalyzer(t *testing.T) {
	analysistest.Run(t, analysistest.TestData(), requestidlint.Analyzer, "internal/facade/good", "internal/facade/bad")
}
