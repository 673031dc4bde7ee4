// Copyright 2025 walteh LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rule

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Rules []Spec `yaml:"rules"`
}

// 📖 LoadCatalog reads an external rule catalog. The file holds a top-level `rules`
// list in YAML or JSON; unknown fields are rejected.
func LoadCatalog(ctx context.Context, path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("reading rule catalog: %w", err)
	}

	specs, err := ParseCatalog(data)
	if err != nil {
		return nil, errors.Errorf("parsing rule catalog %s: %w", path, err)
	}

	zerolog.Ctx(ctx).Debug().Str("path", path).Int("rules", len(specs)).Msg("loaded rule catalog")
	return specs, nil
}

// ParseCatalog decodes catalog bytes
func ParseCatalog(data []byte) ([]Spec, error) {
	var cat catalogFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cat); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return cat.Rules, nil
}
