package template

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Loads every template file in dir.
//
// Files with a .yaml or .yml extension are read in lexical order. A file may
// hold several templates as separate YAML documents. Unknown fields are
// rejected so typos in template files surface at load time. Each template is
// validated before it is returned.
func LoadDir(dir string) ([]pipeline.Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(files)

	var out []pipeline.Template
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		tpls, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, tpls...)
	}
	return out, nil
}

// Parses one or more YAML template documents.
func Parse(data []byte) ([]pipeline.Template, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []pipeline.Template
	for {
		var tpl pipeline.Template
		err := dec.Decode(&tpl)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", pipeline.ErrTemplate, err)
		}
		if err := tpl.Validate(); err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, nil
}
