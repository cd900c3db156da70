package pgwire

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"sync"

	bin "github.com/mvan/pgwire/binary"
)

// implement the numeric data type and its serialization/deserialization
// routines. Values travel as arbitrary precision decimals, so the client
// side representation is a big.Rat plus the display scale.

// Num represents a postgres numeric value
type Num struct {
	r     big.Rat
	scale int16
}

// sign words of the binary representation
const (
	numericPos uint16 = 0x0000
	numericNeg uint16 = 0x4000
	numericNaN uint16 = 0xc000
)

// the wire format allows at most 16383 digits after the decimal point
const maxNumericScale = 16383

var ratTen = new(big.Rat).SetInt64(10)
var intTenThousand = big.NewInt(10000)

// big.Rat free list
var rPool = sync.Pool{
	New: func() interface{} { return new(big.Rat) },
}

// Scan initiates a Num from a string or any golang numeric type.
// When providing a string, it must be in decimal form,
// with an optional sign, ie -50.40
// The dot is the separator.
//
// Example:
//
//	var num Num
//	num.Scan("-10.4")
//
// A value without a finite decimal expansion causes an error.
func (n *Num) Scan(src interface{}) error {
	// use string as an intermediate
	var strVal string
	var ok bool

	if strVal, ok = src.(string); !ok {
		rv := reflect.ValueOf(src)
		switch rv.Kind() {
		default:
			return fmt.Errorf("pgwire: unexpected type %T for numeric scan", src)
		case reflect.Ptr:
			if rv.IsNil() {
				return fmt.Errorf("pgwire: nil pointer for numeric scan")
			}
			return n.Scan(rv.Elem().Interface())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			strVal = strconv.FormatInt(rv.Int(), 10)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			strVal = strconv.FormatUint(rv.Uint(), 10)
		case reflect.Float64:
			strVal = strconv.FormatFloat(rv.Float(), 'f', -1, 64)
		case reflect.Float32:
			strVal = strconv.FormatFloat(rv.Float(), 'f', -1, 32)
		}
	}

	if _, ok = n.r.SetString(strVal); !ok {
		return fmt.Errorf("pgwire: could not parse string %s to number", strVal)
	}
	return n.normalize()
}

// normalize finds the smallest scale which loses no precision
func (n *Num) normalize() error {
	mul := rPool.Get().(*big.Rat).Set(&n.r)
	defer rPool.Put(mul)

	var scale int16
	for !mul.IsInt() {
		if scale >= maxNumericScale {
			return ErrOverFlow
		}
		mul.Mul(mul, ratTen)
		scale++
	}
	n.scale = scale
	return nil
}

// implement the stringer interface
func (n Num) String() string {
	return n.r.FloatString(int(n.scale))
}

// Rat returns the underlying big.Rat value
func (n Num) Rat() big.Rat {
	return n.r
}

// Scale returns the number of digits after the decimal point
func (n Num) Scale() int16 {
	return n.scale
}

//
// Encoding routines.
//

// encodeNumeric writes a numeric in its binary form, that is a header of
// four int16 words followed by the digits in base 10000, aligned on the
// decimal point.
func encodeNumeric(e *bin.Encoder, v interface{}) error {
	var num Num
	switch val := v.(type) {
	case Num:
		num = val
	case *Num:
		num = *val
	default:
		if err := num.Scan(v); err != nil {
			return conversionErr(Numeric, v, "value does not scan to numeric")
		}
	}

	s := num.String()
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	intPart, fracPart, _ := strings.Cut(s, ".")
	dscale := len(fracPart)

	// align both sides on 4 digit groups around the decimal point
	intPart = strings.Repeat("0", (4-len(intPart)%4)%4) + intPart
	fracPart += strings.Repeat("0", (4-len(fracPart)%4)%4)

	weight := len(intPart)/4 - 1
	digits := make([]int16, 0, (len(intPart)+len(fracPart))/4)
	for _, part := range []string{intPart, fracPart} {
		for i := 0; i < len(part); i += 4 {
			group, err := strconv.Atoi(part[i : i+4])
			if err != nil {
				return conversionErr(Numeric, v, "malformed decimal text")
			}
			digits = append(digits, int16(group))
		}
	}

	// leading and trailing zero groups are implicit on the wire
	for len(digits) > 0 && digits[0] == 0 {
		digits = digits[1:]
		weight--
	}
	for len(digits) > 0 && digits[len(digits)-1] == 0 {
		digits = digits[:len(digits)-1]
	}
	if len(digits) == 0 {
		weight = 0
	}

	sign := numericPos
	if neg {
		sign = numericNeg
	}

	e.WriteInt16(int16(len(digits)))
	e.WriteInt16(int16(weight))
	e.WriteUint16(sign)
	e.WriteInt16(int16(dscale))
	for _, d := range digits {
		e.WriteInt16(d)
	}
	return e.Err()
}

// decodeNumeric reads a numeric from its wire form.
// Returns a Num.
func decodeNumeric(data []byte, format int16) (interface{}, error) {
	if format == formatText {
		var num Num
		if err := num.Scan(string(data)); err != nil {
			return nil, &ConversionError{OID: Numeric, Reason: "malformed numeric text"}
		}
		return num, nil
	}

	if len(data) < 8 {
		return nil, &ConversionError{OID: Numeric, Reason: "invalid length"}
	}
	word := func(i int) int16 {
		return int16(uint16(data[2*i])<<8 | uint16(data[2*i+1]))
	}
	ndigits, weight, dscale := int(word(0)), int(word(1)), word(3)
	sign := uint16(word(2))

	if sign == numericNaN {
		return nil, &ConversionError{OID: Numeric, Reason: "NaN has no numeric representation"}
	}
	if ndigits < 0 || len(data) != 8+2*ndigits {
		return nil, &ConversionError{OID: Numeric, Reason: "digit count does not match length"}
	}

	// accumulate the base 10000 digits, then shift by the weight
	acc := new(big.Int)
	for i := 0; i < ndigits; i++ {
		acc.Mul(acc, intTenThousand)
		acc.Add(acc, big.NewInt(int64(word(4+i))))
	}
	exp := (weight + 1 - ndigits) * 4

	out := new(big.Rat).SetInt(acc)
	pow := new(big.Rat).SetInt(tenPow(abs(exp)))
	if exp >= 0 {
		out.Mul(out, pow)
	} else {
		out.Quo(out, pow)
	}
	if sign == numericNeg {
		out.Neg(out)
	}
	return Num{r: *out, scale: dscale}, nil
}

func tenPow(k int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(k)), nil)
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}
