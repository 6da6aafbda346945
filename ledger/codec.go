package ledger

import (
	"encoding/json"
	"fmt"
)

// MarshalChain encodes blocks in the persisted layout. The encoding round-trips through
// UnmarshalChain without changing any block hash.
func MarshalChain(blocks []Block) ([]byte, error) {
	if blocks == nil {
		blocks = []Block{}
	}
	return json.Marshal(blocks)
}

// UnmarshalChain decodes a chain produced by MarshalChain and checks its integrity.
func UnmarshalChain(data []byte) ([]Block, error) {
	var blocks []Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("decode chain: %w", err)
	}
	if err := verifyChain(blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// VerifyBlocks applies the chain integrity checks to blocks that are not (yet) part of
// a Blockchain, for instance a chain read back from storage.
func VerifyBlocks(blocks []Block) error {
	return verifyChain(blocks)
}
