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

package catalog

import "sort"

// 🏷️ Kind is the detected category of a project file
type Kind string

const (
	KindBuildDescriptor Kind = "build-descriptor"
	KindXMLConfig       Kind = "xml-config"
	KindTemplate        Kind = "template"
	KindSource          Kind = "source"
	KindProperties      Kind = "properties"
)

// AllKinds lists every kind in detection order. Build descriptors come before
// xml-config so pom.xml is never classified as plain XML.
var AllKinds = []Kind{
	KindBuildDescriptor,
	KindXMLConfig,
	KindTemplate,
	KindSource,
	KindProperties,
}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k.order() >= 0
}

func (k Kind) order() int {
	for i, known := range AllKinds {
		if k == known {
			return i
		}
	}
	return -1
}

// 📏 KindPatterns holds the include and exclude globs of one kind
type KindPatterns struct {
	Kind    Kind
	Include []string
	Exclude []string
}

// DefaultIncludes returns the include globs used when a kind is configured without any
func DefaultIncludes(k Kind) []string {
	switch k {
	case KindBuildDescriptor:
		return []string{"**/pom.xml", "**/build.gradle", "**/build.xml", "**/ivy.xml"}
	case KindXMLConfig:
		return []string{"**/*.xml"}
	case KindTemplate:
		return []string{"**/*.jsp", "**/*.jspf", "**/*.tag"}
	case KindSource:
		return []string{"**/*.java"}
	case KindProperties:
		return []string{"**/*.properties"}
	default:
		return nil
	}
}

func sortKinds(kinds []KindPatterns) {
	sort.SliceStable(kinds, func(i, j int) bool {
		return kinds[i].Kind.order() < kinds[j].Kind.order()
	})
}
