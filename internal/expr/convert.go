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

package expr

import (
	"fmt"
	"time"

	"github.com/tombee/fleetbroker/pkg/value"
)

// toGo converts a cell's Data into the plain Go value expr-lang expressions
// see: errored cells surface as nil so an expression referencing a sibling
// that failed doesn't panic, just evaluates against a zero value.
func toGo(d value.Data) any {
	if !d.IsOk() {
		return nil
	}
	v := d.Val
	switch v.Kind {
	case value.KindString:
		return v.String
	case value.KindBinaryString:
		return v.BinaryString
	case value.KindInteger:
		return v.Integer
	case value.KindFloat:
		return v.Float
	case value.KindBoolean:
		return v.Boolean
	case value.KindQuantity:
		return v.Quantity.Magnitude
	case value.KindTime:
		return v.Time
	case value.KindAge:
		return v.Age.Seconds()
	case value.KindEnum:
		return v.Enum.Value
	case value.KindIntEnum:
		return v.IntEnum.Value
	case value.KindMacAddress:
		return v.MacAddress.String()
	case value.KindIPv4:
		return v.IPv4.String()
	case value.KindIPv6:
		return v.IPv6.String()
	case value.KindOption:
		if !v.OptionPresent {
			return nil
		}
		return toGo(value.DataOk(*v.Option))
	default:
		return v.Debug()
	}
}

// castTo coerces a raw expression/passthrough result into the field's
// declared input_type (spec.md §4.9 step 4). Unknown or incompatible
// combinations yield a TypeError cell rather than a panic.
func castTo(raw any, inputType string) value.Data {
	switch inputType {
	case "", "string":
		return value.DataOk(value.String(fmt.Sprint(raw)))
	case "integer":
		switch n := raw.(type) {
		case int:
			return value.DataOk(value.Integer(int64(n)))
		case int64:
			return value.DataOk(value.Integer(n))
		case uint64:
			return value.DataOk(value.Integer(int64(n)))
		case float64:
			return value.DataOk(value.Integer(int64(n)))
		default:
			return value.DataErr(value.TypeError(fmt.Sprintf("cannot cast %T to integer", raw)))
		}
	case "float":
		switch n := raw.(type) {
		case float64:
			return value.DataOk(value.Float(n))
		case int:
			return value.DataOk(value.Float(float64(n)))
		case int64:
			return value.DataOk(value.Float(float64(n)))
		case uint64:
			return value.DataOk(value.Float(float64(n)))
		default:
			return value.DataErr(value.TypeError(fmt.Sprintf("cannot cast %T to float", raw)))
		}
	case "boolean":
		b, ok := raw.(bool)
		if !ok {
			return value.DataErr(value.TypeError(fmt.Sprintf("cannot cast %T to boolean", raw)))
		}
		return value.DataOk(value.Boolean(b))
	case "time":
		switch t := raw.(type) {
		case time.Time:
			return value.DataOk(value.TimeValue(t))
		default:
			return value.DataErr(value.TypeError(fmt.Sprintf("cannot cast %T to time", raw)))
		}
	case "age":
		switch n := raw.(type) {
		case float64:
			return value.DataOk(value.AgeValue(time.Duration(n * float64(time.Second))))
		case int64:
			return value.DataOk(value.AgeValue(time.Duration(n) * time.Second))
		default:
			return value.DataErr(value.TypeError(fmt.Sprintf("cannot cast %T to age", raw)))
		}
	default:
		// Unrecognized declared types (quantity, mac_address, ipv4/6, enum,
		// json, ...) pass through as their string rendering; the concrete
		// parsing for those belongs to the protocol plugins that produced
		// the raw sample in the first place (spec.md §1 out-of-scope).
		return value.DataOk(value.String(fmt.Sprint(raw)))
	}
}
