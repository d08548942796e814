package intercept

import (
	"errors"
	"fmt"
	"reflect"
)

type funcDifferences struct {
	In       []*argDifference
	Out      []*argDifference
	Variadic bool
}

func (d *funcDifferences) Error() error {
	errs := []error{}
	for i, arg := range d.In {
		if arg != nil {
			errs = append(errs, fmt.Errorf("argument %d: %v != %v", i, arg.A, arg.B))
		}
	}
	for i, out := range d.Out {
		if out != nil {
			errs = append(errs, fmt.Errorf("output %d: %v != %v", i, out.A, out.B))
		}
	}
	if d.Variadic {
		errs = append(errs, errors.New("variadic mismatch"))
	}
	if len(errs) == 0 {
		return errors.New("function types differ")
	}

	return errors.Join(errs...)
}

type argDifference struct {
	A reflect.Type
	B reflect.Type
}

func diffFuncs(a, b reflect.Value) *funcDifferences {
	at := a.Type()
	bt := b.Type()
	return &funcDifferences{
		In:       diffTypes(at.NumIn(), bt.NumIn(), at.In, bt.In),
		Out:      diffTypes(at.NumOut(), bt.NumOut(), at.Out, bt.Out),
		Variadic: at.IsVariadic() != bt.IsVariadic(),
	}
}

// diffTypes compares two type lists. A missing type is reported as nil.
func diffTypes(an, bn int, aType, bType func(int) reflect.Type) []*argDifference {
	diff := make([]*argDifference, max(an, bn))
	for i := range diff {
		var at, bt reflect.Type
		if i < an {
			at = aType(i)
		}
		if i < bn {
			bt = bType(i)
		}
		if at != bt {
			diff[i] = &argDifference{A: at, B: bt}
		}
	}
	return diff
}
