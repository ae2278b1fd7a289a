package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/joeycumines/go-utilpkg/jsonenc"
)

// object appends a flat-or-nested JSON object to a byte slice.
type object struct {
	buf   []byte
	comma []bool // per nesting level, whether a member was written
}

func newObject() *object {
	return &object{buf: []byte{'{'}, comma: []bool{false}}
}

func (o *object) key(k string) {
	if o.comma[len(o.comma)-1] {
		o.buf = append(o.buf, ',')
	}
	o.comma[len(o.comma)-1] = true
	o.buf = jsonenc.AppendString(o.buf, k)
	o.buf = append(o.buf, ':')
}

func (o *object) str(k, v string) *object {
	o.key(k)
	o.buf = jsonenc.AppendString(o.buf, v)
	return o
}

func (o *object) int(k string, v int64) *object {
	o.key(k)
	o.buf = strconv.AppendInt(o.buf, v, 10)
	return o
}

func (o *object) float(k string, v float64) *object {
	o.key(k)
	o.buf = jsonenc.AppendFloat64(o.buf, v)
	return o
}

// millis writes d as fractional milliseconds.
func (o *object) millis(k string, d time.Duration) *object {
	return o.float(k, float64(d)/float64(time.Millisecond))
}

func (o *object) open(k string) *object {
	o.key(k)
	o.buf = append(o.buf, '{')
	o.comma = append(o.comma, false)
	return o
}

func (o *object) close() *object {
	o.buf = append(o.buf, '}')
	o.comma = o.comma[:len(o.comma)-1]
	return o
}

func (o *object) bytes() []byte {
	for len(o.comma) > 0 {
		o.close()
	}
	return o.buf
}

func writeJSON(w http.ResponseWriter, status int, body *object) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body.bytes(), '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, newObject().str("error", msg))
}
