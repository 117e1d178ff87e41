package planner

import (
	"embed"
	"fmt"

	"github.com/c360studio/crossdb/llm"
)

// Template names used by the pipeline.
const (
	templateClassify    = "classify"
	templateOrchestrate = "orchestrate"
	templateOptimize    = "optimize"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// newTemplateSet registers the pipeline's prompt templates from the embedded
// template files.
func newTemplateSet() *llm.TemplateSet {
	set := llm.NewTemplateSet()
	for _, name := range []string{templateClassify, templateOrchestrate, templateOptimize} {
		text, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.tmpl", name))
		if err != nil {
			panic(fmt.Sprintf("embedded template %s: %v", name, err))
		}
		set.MustRegister(name, string(text))
	}
	return set
}
