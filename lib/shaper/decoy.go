package shaper

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

// DecoyPrefix marks every injected field. Real payload keys using it are
// left alone and never overwritten.
const DecoyPrefix = "__ag_"

// Each decoy has alternative names; which one is used varies per response.
var (
	shardNames   = []string{DecoyPrefix + "shard", DecoyPrefix + "node", DecoyPrefix + "partition"}
	entropyNames = []string{DecoyPrefix + "rev", DecoyPrefix + "entropy", DecoyPrefix + "nonce"}
	debugNames   = []string{DecoyPrefix + "dbg", DecoyPrefix + "trace"}
)

type randSource struct {
	r   io.Reader
	err error
}

func (rs *randSource) bytes(n int) []byte {
	buf := make([]byte, n)
	if rs.err != nil {
		return buf
	}
	if _, err := io.ReadFull(rs.r, buf); err != nil {
		rs.err = err
	}
	return buf
}

func (rs *randSource) intn(n int) int {
	return int(binary.BigEndian.Uint32(rs.bytes(4)) % uint32(n))
}

// pick returns an unused name from names, starting at a random offset, or ""
// when all of them are taken.
func (rs *randSource) pick(payload map[string]any, names []string) string {
	start := rs.intn(len(names))
	for i := range names {
		name := names[(start+i)%len(names)]
		if _, taken := payload[name]; !taken {
			return name
		}
	}
	return ""
}

// InjectDecoys returns a shallow copy of a top-level object with two or three
// decoy fields added. Anything other than map[string]any is returned as is.
// Every decoy set carries 128 random bits, so two calls never produce the
// same decoys.
func InjectDecoys(payload any, rnd io.Reader) (any, error) {
	obj, ok := payload.(map[string]any)
	if !ok {
		return payload, nil
	}

	result := make(map[string]any, len(obj)+3)
	for k, v := range obj {
		result[k] = v
	}

	rs := &randSource{r: rnd}

	if name := rs.pick(result, shardNames); name != "" {
		result[name] = fmt.Sprintf("s%02d-%s", rs.intn(64), hex.EncodeToString(rs.bytes(2)))
	}

	entropy := hex.EncodeToString(rs.bytes(16))
	name := rs.pick(result, entropyNames)
	for name == "" {
		name = DecoyPrefix + "x" + hex.EncodeToString(rs.bytes(4))
		if _, taken := result[name]; taken {
			name = ""
		}
		if rs.err != nil {
			break
		}
	}
	result[name] = entropy

	if rs.intn(4) == 0 {
		if name := rs.pick(result, debugNames); name != "" {
			result[name] = "dbg_" + hex.EncodeToString(rs.bytes(12))
		}
	}

	if rs.err != nil {
		return nil, fmt.Errorf("shaper: can't read randomness: %w", rs.err)
	}

	return result, nil
}
