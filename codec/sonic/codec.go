// Package sonic registers a JSON codec backed by bytedance/sonic under the
// name "sonic". It is wire compatible with the default "json" codec.
package sonic

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/trickstertwo/xsbus"
)

const Name = "sonic"

func init() {
	if err := xsbus.RegisterCodec(Name, func() xsbus.Codec { return Codec{} }); err != nil {
		panic(fmt.Errorf("xsbus: failed to register codec %q: %w", Name, err))
	}
}

// Codec uses sonic's standard-library compatible configuration.
type Codec struct{}

var api = sonic.ConfigStd

func (Codec) Marshal(v any) ([]byte, error)   { return api.Marshal(v) }
func (Codec) Unmarshal(b []byte, v any) error { return api.Unmarshal(b, v) }
func (Codec) Name() string                    { return Name }
