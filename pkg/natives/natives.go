// Package natives implements ember's native function table (§4.6): the
// fixed set of host functions every VM registers into its globals table
// at startup. Each follows the value.NativeFunc calling convention
// (host, argv) -> value so the table never imports package vm directly.
//
// Grounded on kristofer-smog/pkg/vm/primitives.go for the crypto,
// compression, JSON, regex, random, and date/time logic, reimplemented
// against value.Value instead of the teacher's raw Go interface{}/*Array
// model.
package natives

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/kristofer/ember/pkg/errs"
	"github.com/kristofer/ember/pkg/value"
)

// ArityPolicy controls what a native does when it is called with the
// wrong number (or kind) of arguments.
type ArityPolicy int

const (
	// ReturnNilOnMismatch is the default policy (§4.6): on argc
	// mismatch or wrong argument kind, return nil rather than raising.
	ReturnNilOnMismatch ArityPolicy = iota
	// ErrorOnMismatch returns a Type error value (built by host.Throw)
	// instead of nil, for natives such as the hashes and json_parse
	// where a silent nil would be worse than useless.
	ErrorOnMismatch
)

// entry pairs a native's arity and policy so Register can build the
// uniform value.NativeFunc wrapper once per builtin.
type entry struct {
	arity  int
	policy ArityPolicy
	fn     func(host value.NativeHost, argv []value.Value) value.Value
}

// Register installs every native listed in §4.6 and §5 into globals,
// keyed by name as the spec's register_native contract requires.
func Register(globals map[string]value.Value) {
	for name, e := range table {
		native := value.NewNative(name, e.arity, wrap(name, e))
		globals[name] = value.FromObject(value.KindNative, native)
	}
}

// wrap adapts one entry into the value.NativeFunc signature, applying
// the entry's ArityPolicy uniformly so individual builtins never
// duplicate the mismatch-handling boilerplate.
func wrap(name string, e entry) value.NativeFunc {
	return func(host value.NativeHost, argv []value.Value) value.Value {
		if e.arity >= 0 && len(argv) != e.arity {
			if e.policy == ErrorOnMismatch {
				return host.Throw(string(errs.Type), fmt.Sprintf("%s expects %d argument(s), got %d", name, e.arity, len(argv)))
			}
			return value.Nil()
		}
		return e.fn(host, argv)
	}
}

var table map[string]entry

func init() {
	table = map[string]entry{
		// --- core §4.6 built-ins ---
		"print":       {arity: 1, fn: natPrint},
		"type":        {arity: 1, fn: natType},
		"not":         {arity: 1, fn: natNot},
		"str":         {arity: 1, fn: natStr},
		"num":         {arity: 1, fn: natNum},
		"int":         {arity: 1, fn: natInt},
		"bool":        {arity: 1, fn: natBool},
		"abs":         {arity: 1, fn: numUnary(math.Abs)},
		"sqrt":        {arity: 1, fn: numUnary(math.Sqrt)},
		"max":         {arity: 2, fn: numBinary(math.Max)},
		"min":         {arity: 2, fn: numBinary(math.Min)},
		"floor":       {arity: 1, fn: numUnary(math.Floor)},
		"ceil":        {arity: 1, fn: numUnary(math.Ceil)},
		"round":       {arity: 1, fn: numUnary(math.Round)},
		"pow":         {arity: 2, fn: numBinary(math.Pow)},
		"len":         {arity: 1, fn: natLen},
		"substr":      {arity: -1, fn: natSubstr},
		"split":       {arity: 2, fn: natSplit},
		"join":        {arity: 2, fn: natJoin},
		"starts_with": {arity: 2, fn: natStartsWith},
		"ends_with":   {arity: 2, fn: natEndsWith},
		// push appends its second argument to the array in place and
		// returns that same array; nil if the first argument is not an array.
		"push": {arity: 2, fn: func(host value.NativeHost, argv []value.Value) value.Value {
			if argv[0].Kind != value.KindArray {
				return value.Nil()
			}
			arr := argv[0].AsArray()
			arr.Elements = append(arr.Elements, argv[1])
			return argv[0]
		}},

		"read_file":    {arity: 1, fn: natReadFile},
		"write_file":   {arity: 2, fn: natWriteFile},
		"append_file":  {arity: 2, fn: natAppendFile},
		"file_exists":  {arity: 1, fn: natFileExists},

		"json_parse":     {arity: 1, policy: ErrorOnMismatch, fn: natJSONParse},
		"json_stringify": {arity: 1, fn: natJSONStringify},
		"json_validate":  {arity: 1, fn: natJSONValidate},

		"sha256":        {arity: 1, policy: ErrorOnMismatch, fn: hashHex(func(b []byte) []byte { h := sha256.Sum256(b); return h[:] })},
		"sha512":        {arity: 1, policy: ErrorOnMismatch, fn: hashHex(func(b []byte) []byte { h := sha512.Sum512(b); return h[:] })},
		"hmac_sha256":    {arity: 2, policy: ErrorOnMismatch, fn: natHMACSHA256},
		"secure_random": {arity: 1, policy: ErrorOnMismatch, fn: natSecureRandom},

		// --- §5 supplemented natives ---
		"base64_encode": {arity: 1, fn: natBase64Encode},
		"base64_decode": {arity: 1, fn: natBase64Decode},

		"gzip_compress":   {arity: 1, fn: natGzipCompress},
		"gzip_decompress": {arity: 1, fn: natGzipDecompress},

		"regex_match":    {arity: 2, fn: natRegexMatch},
		"regex_find_all": {arity: 2, fn: natRegexFindAll},
		"regex_replace":  {arity: 3, fn: natRegexReplace},

		"random_int":   {arity: 2, fn: natRandomInt},
		"random_float": {arity: 0, fn: natRandomFloat},

		"date_now":    {arity: 0, fn: natDateNow},
		"date_format": {arity: 2, fn: natDateFormat},
		"date_parse":  {arity: 2, policy: ErrorOnMismatch, fn: natDateParse},

		"time_year":   {arity: 1, fn: timePart(func(t time.Time) int { return t.Year() })},
		"time_month":  {arity: 1, fn: timePart(func(t time.Time) int { return int(t.Month()) })},
		"time_day":    {arity: 1, fn: timePart(func(t time.Time) int { return t.Day() })},
		"time_hour":   {arity: 1, fn: timePart(func(t time.Time) int { return t.Hour() })},
		"time_minute": {arity: 1, fn: timePart(func(t time.Time) int { return t.Minute() })},
		"time_second": {arity: 1, fn: timePart(func(t time.Time) int { return t.Second() })},

		"sha3_256": {arity: 1, policy: ErrorOnMismatch, fn: hashHex(func(b []byte) []byte { h := sha3.Sum256(b); return h[:] })},
		"shake256": {arity: 2, policy: ErrorOnMismatch, fn: natShake256},
	}
}

// --- core built-ins ---

func natPrint(host value.NativeHost, argv []value.Value) value.Value {
	fmt.Println(argv[0].Print())
	return value.Nil()
}

func natType(host value.NativeHost, argv []value.Value) value.Value {
	return host.NewString(argv[0].TypeName())
}

func natNot(host value.NativeHost, argv []value.Value) value.Value {
	return value.Bool(!argv[0].Truthy())
}

func natStr(host value.NativeHost, argv []value.Value) value.Value {
	return host.NewString(argv[0].Print())
}

func natNum(host value.NativeHost, argv []value.Value) value.Value {
	v := argv[0]
	if v.IsNumber() {
		return v
	}
	if v.Kind != value.KindString {
		return value.Nil()
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.AsString().Value), 64)
	if err != nil {
		return value.Nil()
	}
	return value.Number(f)
}

func natInt(host value.NativeHost, argv []value.Value) value.Value {
	n := natNum(host, argv)
	if !n.IsNumber() {
		return value.Nil()
	}
	return value.Number(math.Trunc(n.AsNumber()))
}

func natBool(host value.NativeHost, argv []value.Value) value.Value {
	return value.Bool(argv[0].Truthy())
}

func numUnary(fn func(float64) float64) func(value.NativeHost, []value.Value) value.Value {
	return func(host value.NativeHost, argv []value.Value) value.Value {
		if !argv[0].IsNumber() {
			return value.Nil()
		}
		return value.Number(fn(argv[0].AsNumber()))
	}
}

func numBinary(fn func(a, b float64) float64) func(value.NativeHost, []value.Value) value.Value {
	return func(host value.NativeHost, argv []value.Value) value.Value {
		if !argv[0].IsNumber() || !argv[1].IsNumber() {
			return value.Nil()
		}
		return value.Number(fn(argv[0].AsNumber(), argv[1].AsNumber()))
	}
}

func natLen(host value.NativeHost, argv []value.Value) value.Value {
	switch argv[0].Kind {
	case value.KindString:
		return value.Number(float64(len(argv[0].AsString().Value)))
	case value.KindArray:
		return value.Number(float64(len(argv[0].AsArray().Elements)))
	case value.KindMap:
		return value.Number(float64(argv[0].AsMap().Len()))
	case value.KindSet:
		return value.Number(float64(argv[0].AsSet().Len()))
	default:
		return value.Nil()
	}
}

// natSubstr accepts (s, start) or (s, start, length); arity is checked
// by hand here rather than via the uniform table entry since it is
// variadic.
func natSubstr(host value.NativeHost, argv []value.Value) value.Value {
	if len(argv) != 2 && len(argv) != 3 {
		return value.Nil()
	}
	if argv[0].Kind != value.KindString || !argv[1].IsNumber() {
		return value.Nil()
	}
	s := argv[0].AsString().Value
	start := int(argv[1].AsNumber())
	if start < 0 || start > len(s) {
		return value.Nil()
	}
	end := len(s)
	if len(argv) == 3 {
		if !argv[2].IsNumber() {
			return value.Nil()
		}
		end = start + int(argv[2].AsNumber())
	}
	if end < start || end > len(s) {
		return value.Nil()
	}
	return host.NewString(s[start:end])
}

func natSplit(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString || argv[1].Kind != value.KindString {
		return value.Nil()
	}
	parts := strings.Split(argv[0].AsString().Value, argv[1].AsString().Value)
	elems := make([]value.Value, len(parts))
	for i, p := range parts {
		elems[i] = host.NewString(p)
	}
	return host.NewArray(elems)
}

func natJoin(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindArray || argv[1].Kind != value.KindString {
		return value.Nil()
	}
	sep := argv[1].AsString().Value
	elems := argv[0].AsArray().Elements
	parts := make([]string, len(elems))
	for i, e := range elems {
		if e.Kind != value.KindString {
			return value.Nil()
		}
		parts[i] = e.AsString().Value
	}
	return host.NewString(strings.Join(parts, sep))
}

func natStartsWith(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString || argv[1].Kind != value.KindString {
		return value.Nil()
	}
	return value.Bool(strings.HasPrefix(argv[0].AsString().Value, argv[1].AsString().Value))
}

func natEndsWith(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString || argv[1].Kind != value.KindString {
		return value.Nil()
	}
	return value.Bool(strings.HasSuffix(argv[0].AsString().Value, argv[1].AsString().Value))
}

// --- file I/O, via the VFS (§4.8) ---

// vfsErrorKind recovers the original *errs.Error's Kind (Security for a
// mount/traversal violation, IO for an underlying host filesystem
// failure) rather than collapsing every VFS failure to IO; §7 requires
// Security errors stay distinguishable from ordinary IO ones even when
// surfaced through a native rather than raised by an opcode directly.
func vfsErrorKind(err error) errs.Kind {
	if e, ok := err.(*errs.Error); ok {
		return e.Kind
	}
	return errs.IO
}

func natReadFile(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString {
		return value.Nil()
	}
	data, err := host.ReadFile(argv[0].AsString().Value)
	if err != nil {
		return host.Throw(string(vfsErrorKind(err)), err.Error())
	}
	return host.NewString(string(data))
}

func natWriteFile(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString || argv[1].Kind != value.KindString {
		return value.Nil()
	}
	if err := host.WriteFile(argv[0].AsString().Value, []byte(argv[1].AsString().Value), false); err != nil {
		return host.Throw(string(vfsErrorKind(err)), err.Error())
	}
	return value.Bool(true)
}

func natAppendFile(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString || argv[1].Kind != value.KindString {
		return value.Nil()
	}
	if err := host.WriteFile(argv[0].AsString().Value, []byte(argv[1].AsString().Value), true); err != nil {
		return host.Throw(string(vfsErrorKind(err)), err.Error())
	}
	return value.Bool(true)
}

func natFileExists(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString {
		return value.Nil()
	}
	return value.Bool(host.FileExists(argv[0].AsString().Value))
}

// --- JSON ---

func natJSONParse(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString {
		return host.Throw(string(errs.Type), "json_parse requires a string")
	}
	var raw interface{}
	if err := json.Unmarshal([]byte(argv[0].AsString().Value), &raw); err != nil {
		return host.Throw(string(errs.Runtime), "invalid JSON: "+err.Error())
	}
	return fromJSON(host, raw)
}

func fromJSON(host value.NativeHost, v interface{}) value.Value {
	switch t := v.(type) {
	case nil:
		return value.Nil()
	case bool:
		return value.Bool(t)
	case float64:
		return value.Number(t)
	case string:
		return host.NewString(t)
	case []interface{}:
		elems := make([]value.Value, len(t))
		for i, e := range t {
			elems[i] = fromJSON(host, e)
		}
		return host.NewArray(elems)
	case map[string]interface{}:
		m := host.NewMap()
		mv := m.AsMap()
		for k, e := range t {
			mv.Set(host.NewString(k), fromJSON(host, e))
		}
		return m
	default:
		return value.Nil()
	}
}

func natJSONStringify(host value.NativeHost, argv []value.Value) value.Value {
	data, err := json.Marshal(toJSON(argv[0]))
	if err != nil {
		return value.Nil()
	}
	return host.NewString(string(data))
}

func toJSON(v value.Value) interface{} {
	switch v.Kind {
	case value.KindNil:
		return nil
	case value.KindBool:
		return v.AsBool()
	case value.KindNumber:
		return v.AsNumber()
	case value.KindString:
		return v.AsString().Value
	case value.KindArray:
		elems := v.AsArray().Elements
		out := make([]interface{}, len(elems))
		for i, e := range elems {
			out[i] = toJSON(e)
		}
		return out
	case value.KindMap:
		out := make(map[string]interface{})
		v.AsMap().Each(func(k, val value.Value) {
			out[k.Print()] = toJSON(val)
		})
		return out
	default:
		return v.Print()
	}
}

func natJSONValidate(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString {
		return value.Bool(false)
	}
	var raw interface{}
	return value.Bool(json.Unmarshal([]byte(argv[0].AsString().Value), &raw) == nil)
}

// --- crypto ---

func hashHex(sum func([]byte) []byte) func(value.NativeHost, []value.Value) value.Value {
	return func(host value.NativeHost, argv []value.Value) value.Value {
		if argv[0].Kind != value.KindString {
			return host.Throw(string(errs.Type), "hash requires a string argument")
		}
		return host.NewString(fmt.Sprintf("%x", sum([]byte(argv[0].AsString().Value))))
	}
}

func natHMACSHA256(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString || argv[1].Kind != value.KindString {
		return host.Throw(string(errs.Type), "hmac_sha256 requires two strings")
	}
	mac := hmac.New(sha256.New, []byte(argv[1].AsString().Value))
	mac.Write([]byte(argv[0].AsString().Value))
	return host.NewString(fmt.Sprintf("%x", mac.Sum(nil)))
}

func natSecureRandom(host value.NativeHost, argv []value.Value) value.Value {
	if !argv[0].IsNumber() {
		return host.Throw(string(errs.Type), "secure_random requires a byte count")
	}
	n := int(argv[0].AsNumber())
	if n < 0 {
		return host.Throw(string(errs.Type), "secure_random count must be >= 0")
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return host.Throw(string(errs.Runtime), "secure_random failed: "+err.Error())
	}
	return host.NewString(base64.StdEncoding.EncodeToString(buf))
}

func natShake256(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString || !argv[1].IsNumber() {
		return host.Throw(string(errs.Type), "shake256 requires a string and an output length")
	}
	n := int(argv[1].AsNumber())
	if n <= 0 {
		return host.Throw(string(errs.Type), "shake256 output length must be > 0")
	}
	out := make([]byte, n)
	sha3.ShakeSum256(out, []byte(argv[0].AsString().Value))
	return host.NewString(fmt.Sprintf("%x", out))
}

// --- encoding/compression (§5) ---

func natBase64Encode(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString {
		return value.Nil()
	}
	return host.NewString(base64.StdEncoding.EncodeToString([]byte(argv[0].AsString().Value)))
}

func natBase64Decode(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString {
		return value.Nil()
	}
	decoded, err := base64.StdEncoding.DecodeString(argv[0].AsString().Value)
	if err != nil {
		return value.Nil()
	}
	return host.NewString(string(decoded))
}

func natGzipCompress(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString {
		return value.Nil()
	}
	data, err := gzipCompress([]byte(argv[0].AsString().Value))
	if err != nil {
		return value.Nil()
	}
	return host.NewString(base64.StdEncoding.EncodeToString(data))
}

func natGzipDecompress(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString {
		return value.Nil()
	}
	decoded, err := base64.StdEncoding.DecodeString(argv[0].AsString().Value)
	if err != nil {
		return value.Nil()
	}
	data, err := gzipDecompress(decoded)
	if err != nil {
		return value.Nil()
	}
	return host.NewString(string(data))
}

// --- regex (§5) ---

func natRegexMatch(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString || argv[1].Kind != value.KindString {
		return value.Nil()
	}
	matched, err := regexp.MatchString(argv[0].AsString().Value, argv[1].AsString().Value)
	if err != nil {
		return value.Nil()
	}
	return value.Bool(matched)
}

func natRegexFindAll(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString || argv[1].Kind != value.KindString {
		return value.Nil()
	}
	re, err := regexp.Compile(argv[0].AsString().Value)
	if err != nil {
		return value.Nil()
	}
	matches := re.FindAllString(argv[1].AsString().Value, -1)
	elems := make([]value.Value, len(matches))
	for i, m := range matches {
		elems[i] = host.NewString(m)
	}
	return host.NewArray(elems)
}

func natRegexReplace(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString || argv[1].Kind != value.KindString || argv[2].Kind != value.KindString {
		return value.Nil()
	}
	re, err := regexp.Compile(argv[0].AsString().Value)
	if err != nil {
		return value.Nil()
	}
	return host.NewString(re.ReplaceAllString(argv[1].AsString().Value, argv[2].AsString().Value))
}

// --- random (§5) ---

func natRandomInt(host value.NativeHost, argv []value.Value) value.Value {
	if !argv[0].IsNumber() || !argv[1].IsNumber() {
		return value.Nil()
	}
	lo, hi := int64(argv[0].AsNumber()), int64(argv[1].AsNumber())
	if lo > hi {
		return value.Nil()
	}
	n, err := rand.Int(rand.Reader, big.NewInt(hi-lo+1))
	if err != nil {
		return value.Nil()
	}
	return value.Number(float64(n.Int64() + lo))
}

func natRandomFloat(host value.NativeHost, argv []value.Value) value.Value {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return value.Nil()
	}
	var bits uint64
	for _, b := range buf {
		bits = bits<<8 | uint64(b)
	}
	return value.Number(float64(bits>>11) / float64(uint64(1)<<53))
}

// --- date/time (§5) ---

func natDateNow(host value.NativeHost, argv []value.Value) value.Value {
	return value.Number(float64(time.Now().Unix()))
}

func dateLayout(format string) string {
	switch format {
	case "iso8601", "ISO8601", "rfc3339", "RFC3339":
		return time.RFC3339
	case "date":
		return "2006-01-02"
	case "time":
		return "15:04:05"
	case "datetime":
		return "2006-01-02 15:04:05"
	default:
		return format
	}
}

func natDateFormat(host value.NativeHost, argv []value.Value) value.Value {
	if !argv[0].IsNumber() || argv[1].Kind != value.KindString {
		return value.Nil()
	}
	t := time.Unix(int64(argv[0].AsNumber()), 0).UTC()
	return host.NewString(t.Format(dateLayout(argv[1].AsString().Value)))
}

func natDateParse(host value.NativeHost, argv []value.Value) value.Value {
	if argv[0].Kind != value.KindString || argv[1].Kind != value.KindString {
		return host.Throw(string(errs.Type), "date_parse requires two strings")
	}
	t, err := time.Parse(dateLayout(argv[1].AsString().Value), argv[0].AsString().Value)
	if err != nil {
		return host.Throw(string(errs.Runtime), "failed to parse date: "+err.Error())
	}
	return value.Number(float64(t.Unix()))
}

func timePart(fn func(time.Time) int) func(value.NativeHost, []value.Value) value.Value {
	return func(host value.NativeHost, argv []value.Value) value.Value {
		if !argv[0].IsNumber() {
			return value.Nil()
		}
		t := time.Unix(int64(argv[0].AsNumber()), 0).UTC()
		return value.Number(float64(fn(t)))
	}
}
