package types

import "github.com/ethereum/go-ethereum/common/hexutil"

// CircuitConfig holds the proving material for a single contract circuit.
type CircuitConfig struct {
	Circuit     string        `json:"circuit"`
	ProverKey   hexutil.Bytes `json:"proverKey"`
	VerifierKey hexutil.Bytes `json:"verifierKey"`
	ZKIR        hexutil.Bytes `json:"zkir"`
	Digest      string        `json:"digest"`
}
