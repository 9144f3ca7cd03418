package types

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// TxType defines the purpose of a contract transaction.
type TxType byte

const (
	TxTypeDeploy TxType = 0x01 // Deploys a new contract instance
	TxTypeCall   TxType = 0x02 // Invokes a circuit on a deployed contract
)

// ErrUnsigned is returned when a signature is required but absent.
var ErrUnsigned = errors.New("types: transaction not signed")

// Coin is an input added by the wallet while balancing a transaction.
type Coin struct {
	Type  string       `json:"type"`
	Value *uint256.Int `json:"value"`
}

// Transaction carries a circuit invocation (or a deployment) through the
// prove, balance and submit pipeline.
type Transaction struct {
	Type      TxType          `json:"type"`
	Contract  hexutil.Bytes   `json:"contract,omitempty"`
	Circuit   string          `json:"circuit,omitempty"`
	Args      []hexutil.Bytes `json:"args"`
	Proof     hexutil.Bytes   `json:"proof,omitempty"`
	Coins     []Coin          `json:"coins,omitempty"`
	Signer    hexutil.Bytes   `json:"signer,omitempty"`
	Signature hexutil.Bytes   `json:"signature,omitempty"`
}

// UnbalancedTransaction is a transaction that has not been funded or signed by
// the wallet yet.
type UnbalancedTransaction struct {
	Transaction
}

// BalancedTransaction is a funded, signed transaction ready for submission.
type BalancedTransaction struct {
	Transaction
}

// TransactionID identifies a submitted transaction.
type TransactionID string

// TransactionResult describes a successfully submitted circuit call.
type TransactionResult struct {
	TxID        TransactionID `json:"txId"`
	Circuit     string        `json:"circuit"`
	Contract    string        `json:"contract"`
	SessionID   uuid.UUID     `json:"sessionId"`
	SubmittedAt time.Time     `json:"submittedAt"`
}

type coinPreimage struct {
	Type  string
	Value []byte
}

type txPreimage struct {
	Type     uint8
	Contract []byte
	Circuit  string
	Args     [][]byte
	Proof    []byte
	Coins    []coinPreimage
	Signer   []byte
}

// Hash returns the Keccak-256 digest of the RLP-encoded unsigned fields.
func (tx *Transaction) Hash() ([]byte, error) {
	pre := txPreimage{
		Type:     uint8(tx.Type),
		Contract: tx.Contract,
		Circuit:  tx.Circuit,
		Args:     make([][]byte, len(tx.Args)),
		Proof:    tx.Proof,
		Coins:    make([]coinPreimage, len(tx.Coins)),
		Signer:   tx.Signer,
	}
	for i, arg := range tx.Args {
		pre.Args[i] = arg
	}
	for i, c := range tx.Coins {
		var value []byte
		if c.Value != nil {
			value = c.Value.Bytes()
		}
		pre.Coins[i] = coinPreimage{Type: c.Type, Value: value}
	}
	b, err := rlp.EncodeToBytes(&pre)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(b), nil
}

// Sign records the compressed public key of privKey as signer and signs the
// transaction hash.
func (tx *Transaction) Sign(privKey *ecdsa.PrivateKey) error {
	if privKey == nil {
		return fmt.Errorf("types: signing key required")
	}
	tx.Signer = crypto.CompressPubkey(&privKey.PublicKey)
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// VerifySignature checks the signature against the recorded signer.
func (tx *Transaction) VerifySignature() error {
	if len(tx.Signature) != crypto.SignatureLength || len(tx.Signer) == 0 {
		return ErrUnsigned
	}
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	if !crypto.VerifySignature(tx.Signer, hash, tx.Signature[:crypto.RecoveryIDOffset]) {
		return fmt.Errorf("types: signature does not match signer")
	}
	return nil
}

// ContractAddress derives the address of the contract created by a deploy
// transaction.
func (tx *Transaction) ContractAddress() (string, error) {
	if tx.Type != TxTypeDeploy {
		return "", fmt.Errorf("types: contract address only defined for deploy transactions")
	}
	hash, err := tx.Hash()
	if err != nil {
		return "", err
	}
	return hexutil.Encode(hash), nil
}

// Clone returns a deep copy of the transaction.
func (tx Transaction) Clone() Transaction {
	out := tx
	out.Contract = cloneBytes(tx.Contract)
	out.Proof = cloneBytes(tx.Proof)
	out.Signer = cloneBytes(tx.Signer)
	out.Signature = cloneBytes(tx.Signature)
	if tx.Args != nil {
		out.Args = make([]hexutil.Bytes, len(tx.Args))
		for i, a := range tx.Args {
			out.Args[i] = cloneBytes(a)
		}
	}
	if tx.Coins != nil {
		out.Coins = make([]Coin, len(tx.Coins))
		for i, c := range tx.Coins {
			out.Coins[i] = Coin{Type: c.Type, Value: cloneUint(c.Value)}
		}
	}
	return out
}

// EncodeArgs RLP-encodes circuit arguments. Supported argument types are
// *uint256.Int, *big.Int, uint64, string and []byte.
func EncodeArgs(args ...any) ([]hexutil.Bytes, error) {
	out := make([]hexutil.Bytes, 0, len(args))
	for i, arg := range args {
		var value any
		switch v := arg.(type) {
		case *uint256.Int:
			if v == nil {
				return nil, fmt.Errorf("types: argument %d is nil", i)
			}
			value = v.ToBig()
		case *big.Int:
			if v == nil {
				return nil, fmt.Errorf("types: argument %d is nil", i)
			}
			value = v
		case uint64, string, []byte:
			value = v
		default:
			return nil, fmt.Errorf("types: unsupported argument %d of type %T", i, arg)
		}
		encoded, err := rlp.EncodeToBytes(value)
		if err != nil {
			return nil, fmt.Errorf("types: encode argument %d: %w", i, err)
		}
		out = append(out, encoded)
	}
	return out, nil
}

func cloneBytes(b hexutil.Bytes) hexutil.Bytes {
	if b == nil {
		return nil
	}
	return append(hexutil.Bytes{}, b...)
}
