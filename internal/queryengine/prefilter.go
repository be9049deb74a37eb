// Copyright 2025 Tom Barlow
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

package queryengine

import (
	"fmt"
	"strconv"

	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/pkgspec"
	"github.com/tombee/fleetbroker/pkg/value"
)

// evaluatePrefilter interprets the small prefilter grammar of spec.md
// §4.8 against one row. A field absent or errored in the row never
// matches `is`/`in` and always matches `is not`/`not in`'s negation is
// avoided by treating "no value to compare" as simply not matching either
// direction's positive case — i.e. the row is dropped by `is`/`in` and
// kept by `is not`/`not in` only via explicit negation below.
func evaluatePrefilter(pf *pkgspec.Prefilter, row Row) (bool, error) {
	switch pf.Kind {
	case pkgspec.PrefilterAll:
		for _, child := range pf.Children {
			match, err := evaluatePrefilter(&child, row)
			if err != nil {
				return false, err
			}
			if !match {
				return false, nil
			}
		}
		return true, nil

	case pkgspec.PrefilterAny:
		for _, child := range pf.Children {
			match, err := evaluatePrefilter(&child, row)
			if err != nil {
				return false, err
			}
			if match {
				return true, nil
			}
		}
		return false, nil

	case pkgspec.PrefilterIs:
		return matchesAny(row, pf.Field, pf.Values)

	case pkgspec.PrefilterIsNot:
		m, err := matchesAny(row, pf.Field, pf.Values)
		if err != nil {
			return false, err
		}
		return !m, nil

	case pkgspec.PrefilterIn:
		return matchesAny(row, pf.Field, pf.Values)

	case pkgspec.PrefilterNotIn:
		m, err := matchesAny(row, pf.Field, pf.Values)
		if err != nil {
			return false, err
		}
		return !m, nil

	default:
		return false, fmt.Errorf("queryengine: unknown prefilter kind %q", pf.Kind)
	}
}

// matchesAny reports whether row's value for field equals any of values
// under the permissive string/bytes/enum coercion spec.md §4.8 describes.
// A missing or errored cell never matches.
func matchesAny(row Row, field ids.DataFieldId, values []string) (bool, error) {
	d, present := row[field]
	if !present || !d.IsOk() {
		return false, nil
	}
	for _, want := range values {
		eq, err := equalPermissive(d.Val, want)
		if err != nil {
			return false, err
		}
		if eq {
			return true, nil
		}
	}
	return false, nil
}

// equalPermissive compares v against the string-encoded comparison value
// want. String/bytes/enum pairs compare textually; scalar numeric/boolean
// types parse want into their own type; anything else is a type error
// (spec.md §4.8: "Equality is permissive for string/bytes and
// string-vs-enum pairs and is a type error otherwise").
func equalPermissive(v value.Value, want string) (bool, error) {
	switch v.Kind {
	case value.KindString:
		return v.String == want, nil
	case value.KindBinaryString:
		return string(v.BinaryString) == want, nil
	case value.KindEnum:
		return v.Enum.Value == want, nil
	case value.KindInteger:
		n, err := strconv.ParseInt(want, 10, 64)
		if err != nil {
			return false, value.TypeError(fmt.Sprintf("cannot compare integer field against %q", want))
		}
		return v.Integer == n, nil
	case value.KindIntEnum:
		n, err := strconv.ParseInt(want, 10, 64)
		if err != nil {
			return false, value.TypeError(fmt.Sprintf("cannot compare int_enum field against %q", want))
		}
		return v.IntEnum.Value == n, nil
	case value.KindFloat:
		f, err := strconv.ParseFloat(want, 64)
		if err != nil {
			return false, value.TypeError(fmt.Sprintf("cannot compare float field against %q", want))
		}
		return v.Float == f, nil
	case value.KindBoolean:
		b, err := strconv.ParseBool(want)
		if err != nil {
			return false, value.TypeError(fmt.Sprintf("cannot compare boolean field against %q", want))
		}
		return v.Boolean == b, nil
	default:
		return false, value.TypeError(fmt.Sprintf("equality unsupported for %s", v.TypeName()))
	}
}
