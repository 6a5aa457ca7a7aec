package sandboxd

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// depositAddress derives a stable EVM address for a sandbox resource.
func depositAddress(kind, id string) string {
	digest := crypto.Keccak256([]byte("sandbox-deposit:" + kind + ":" + id))
	return common.BytesToAddress(digest[12:]).Hex()
}

// syntheticTxHash derives the transaction hash reported for a transition.
func syntheticTxHash(kind, id, status string) string {
	return crypto.Keccak256Hash([]byte(kind), []byte(id), []byte(status)).Hex()
}

// validTxHash reports whether s looks like a 32-byte hex hash.
func validTxHash(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return false
	}
	_, err := hexutil.Decode(s)
	return err == nil
}
