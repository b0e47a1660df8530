// Package sqlfunc registers the HLC host-function surface as SQL scalar
// functions on the modernc.org/sqlite driver, plus a supplemental uuid()
// function backing the changes.id default expression.
package sqlfunc

import (
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"

	"github.com/fieldsync/crdtsql/internal/hlc"
)

var registerOnce sync.Once
var registerErr error

// Register installs every hlc_* function and uuid() on the modernc.org/sqlite
// driver. It is idempotent and safe to call from multiple Engine instances
// in the same process: the underlying driver registration is process-wide,
// so the real work happens exactly once.
func Register() error {
	registerOnce.Do(func() {
		registerErr = registerAll()
	})
	return registerErr
}

func registerAll() error {
	type fn struct {
		name          string
		arity         int32
		deterministic bool
		impl          func(args []driver.Value) (driver.Value, error)
	}

	fns := []fn{
		{"uuid", 0, false, uuidFn},
		{"hlc_now", 1, false, hlcNowFn},
		{"hlc_parse", 1, true, hlcParseFn},
		{"hlc_increment", 1, false, hlcIncrementFn},
		{"hlc_merge", 2, false, hlcMergeFn},
		{"hlc_compare", 2, true, hlcCompareFn},
		{"hlc_node_id", 1, true, hlcNodeIDFn},
		{"hlc_counter", 1, true, hlcCounterFn},
		{"hlc_date_time", 1, true, hlcDateTimeFn},
		{"hlc_str", 1, true, hlcStrFn},
	}

	for _, f := range fns {
		wrapped := func(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return f.impl(args)
		}
		var err error
		if f.deterministic {
			err = sqlite.RegisterDeterministicScalarFunction(f.name, f.arity, wrapped)
		} else {
			err = sqlite.RegisterScalarFunction(f.name, f.arity, wrapped)
		}
		if err != nil {
			return fmt.Errorf("sqlfunc: register %s: %w", f.name, err)
		}
	}
	return nil
}

func argText(v driver.Value) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case nil:
		return "", fmt.Errorf("sqlfunc: argument is NULL, expected text")
	default:
		return "", fmt.Errorf("sqlfunc: argument %v is not text", v)
	}
}

func uuidFn(args []driver.Value) (driver.Value, error) {
	return uuid.NewString(), nil
}

func hlcNowFn(args []driver.Value) (driver.Value, error) {
	nodeID, err := argText(args[0])
	if err != nil {
		return nil, err
	}
	return hlc.Now(nodeID).String(), nil
}

func hlcParseFn(args []driver.Value) (driver.Value, error) {
	text, err := argText(args[0])
	if err != nil {
		return nil, err
	}
	h, err := hlc.Parse(text)
	if err != nil {
		return nil, err
	}
	return h.String(), nil
}

func hlcIncrementFn(args []driver.Value) (driver.Value, error) {
	text, err := argText(args[0])
	if err != nil {
		return nil, err
	}
	h, err := hlc.Parse(text)
	if err != nil {
		return nil, err
	}
	next, err := hlc.Increment(h)
	if err != nil {
		return nil, err
	}
	return next.String(), nil
}

func hlcMergeFn(args []driver.Value) (driver.Value, error) {
	localText, err := argText(args[0])
	if err != nil {
		return nil, err
	}
	remoteText, err := argText(args[1])
	if err != nil {
		return nil, err
	}
	local, err := hlc.Parse(localText)
	if err != nil {
		return nil, err
	}
	remote, err := hlc.Parse(remoteText)
	if err != nil {
		return nil, err
	}
	merged, err := hlc.Merge(local, remote, time.Now().UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	return merged.String(), nil
}

func hlcCompareFn(args []driver.Value) (driver.Value, error) {
	aText, err := argText(args[0])
	if err != nil {
		return nil, err
	}
	bText, err := argText(args[1])
	if err != nil {
		return nil, err
	}
	a, err := hlc.Parse(aText)
	if err != nil {
		return nil, err
	}
	b, err := hlc.Parse(bText)
	if err != nil {
		return nil, err
	}
	return int64(hlc.Compare(a, b)), nil
}

func hlcNodeIDFn(args []driver.Value) (driver.Value, error) {
	text, err := argText(args[0])
	if err != nil {
		return nil, err
	}
	h, err := hlc.Parse(text)
	if err != nil {
		return nil, err
	}
	return h.NodeID, nil
}

func hlcCounterFn(args []driver.Value) (driver.Value, error) {
	text, err := argText(args[0])
	if err != nil {
		return nil, err
	}
	h, err := hlc.Parse(text)
	if err != nil {
		return nil, err
	}
	return int64(h.Counter), nil
}

func hlcDateTimeFn(args []driver.Value) (driver.Value, error) {
	text, err := argText(args[0])
	if err != nil {
		return nil, err
	}
	h, err := hlc.Parse(text)
	if err != nil {
		return nil, err
	}
	return h.DateTime, nil
}

func hlcStrFn(args []driver.Value) (driver.Value, error) {
	text, err := argText(args[0])
	if err != nil {
		return nil, err
	}
	h, err := hlc.Parse(text)
	if err != nil {
		return nil, err
	}
	return h.String(), nil
}
