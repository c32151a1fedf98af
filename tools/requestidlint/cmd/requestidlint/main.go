package main

import (
	"github.com/corsair-labs/marketplace-orchestrator/tools/requestidlint"
	"golang.org/x/tools/go/analysis/singlechecker"
)

func main() {
	singlechecker.Main(requestidlint.Analyzer)
}
