package devserver

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/ruteri/passkey-kms-client/api"
	"github.com/ruteri/passkey-kms-client/interfaces"
)

var (
	ErrUnknownKey       = errors.New("private key not found")
	ErrUnsupportedCurve = errors.New("unsupported curve")
)

type keyRecord struct {
	name    string
	formats []interfaces.AddressFormat
	tags    []string
}

// SimpleCustody holds custodial secp256k1 keys. Key material is never
// stored: every key is derived from the master key, its organization and
// its id, so a restart with the same master key recovers all keys whose
// metadata is known.
type SimpleCustody struct {
	masterKey []byte
	chainID   *big.Int

	mu   sync.RWMutex
	keys map[interfaces.OrganizationID]map[interfaces.KeyID]*keyRecord
}

// NewSimpleCustody creates a custody backend with the provided master key.
// The master key must be at least 32 bytes long. chainID is used for legacy
// transactions, which do not carry one.
func NewSimpleCustody(masterKey []byte, chainID *big.Int) (*SimpleCustody, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("master key must be at least 32 bytes")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id must be positive")
	}

	return &SimpleCustody{
		masterKey: append([]byte(nil), masterKey...),
		chainID:   new(big.Int).Set(chainID),
		keys:      make(map[interfaces.OrganizationID]map[interfaces.KeyID]*keyRecord),
	}, nil
}

// CreateKey registers a new key for org and returns its public metadata.
func (k *SimpleCustody) CreateKey(org interfaces.OrganizationID, params api.PrivateKeyParams) (*api.PrivateKey, error) {
	keys, err := k.CreateKeys(org, []api.PrivateKeyParams{params})
	if err != nil {
		return nil, err
	}
	return keys[0], nil
}

// CreateKeys registers one key per entry of params. Every entry is validated
// first; if any is rejected no key is created.
func (k *SimpleCustody) CreateKeys(org interfaces.OrganizationID, params []api.PrivateKeyParams) ([]*api.PrivateKey, error) {
	records := make([]*keyRecord, 0, len(params))
	for i, p := range params {
		record, err := newKeyRecord(p)
		if err != nil {
			return nil, fmt.Errorf("private key %d: %w", i, err)
		}
		records = append(records, record)
	}

	ids := make([]interfaces.KeyID, len(records))
	for i := range ids {
		ids[i] = interfaces.KeyID(uuid.NewString())
	}

	k.mu.Lock()
	if k.keys[org] == nil {
		k.keys[org] = make(map[interfaces.KeyID]*keyRecord)
	}
	for i, record := range records {
		k.keys[org][ids[i]] = record
	}
	k.mu.Unlock()

	keys := make([]*api.PrivateKey, 0, len(records))
	for i, record := range records {
		key, err := k.describe(org, ids[i], record)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func newKeyRecord(params api.PrivateKeyParams) (*keyRecord, error) {
	if params.Curve != api.CurveSecp256k1 {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedCurve, params.Curve)
	}

	formats := params.AddressFormats
	if len(formats) == 0 {
		formats = []interfaces.AddressFormat{interfaces.AddressFormatEthereum}
	}
	for _, format := range formats {
		if format != interfaces.AddressFormatEthereum && format != interfaces.AddressFormatCompressed {
			return nil, fmt.Errorf("unsupported address format %q", format)
		}
	}
	return &keyRecord{name: params.PrivateKeyName, formats: formats, tags: params.PrivateKeyTags}, nil
}

// Key returns the public metadata of a key.
func (k *SimpleCustody) Key(org interfaces.OrganizationID, keyID interfaces.KeyID) (*api.PrivateKey, error) {
	record, err := k.record(org, keyID)
	if err != nil {
		return nil, err
	}
	return k.describe(org, keyID, record)
}

// SignTransaction signs a canonical unsigned transaction encoding and
// returns the signed encoding, both as hex without prefix.
func (k *SimpleCustody) SignTransaction(org interfaces.OrganizationID, keyID interfaces.KeyID, unsignedHex string) (string, error) {
	if _, err := k.record(org, keyID); err != nil {
		return "", err
	}

	raw, err := hex.DecodeString(unsignedHex)
	if err != nil {
		return "", fmt.Errorf("unsigned transaction is not hex: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("could not decode unsigned transaction: %w", err)
	}

	chainID := k.chainID
	if tx.Type() != types.LegacyTxType {
		chainID = tx.ChainId()
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), k.deriveKey(org, keyID))
	if err != nil {
		return "", fmt.Errorf("could not sign transaction: %w", err)
	}

	encoded, err := signed.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("could not encode signed transaction: %w", err)
	}
	return hex.EncodeToString(encoded), nil
}

func (k *SimpleCustody) record(org interfaces.OrganizationID, keyID interfaces.KeyID) (*keyRecord, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	record, ok := k.keys[org][keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return record, nil
}

func (k *SimpleCustody) describe(org interfaces.OrganizationID, keyID interfaces.KeyID, record *keyRecord) (*api.PrivateKey, error) {
	pub := &k.deriveKey(org, keyID).PublicKey

	key := &api.PrivateKey{
		PrivateKeyID:   keyID,
		PrivateKeyName: record.name,
		Curve:          api.CurveSecp256k1,
	}
	for _, format := range record.formats {
		switch format {
		case interfaces.AddressFormatEthereum:
			key.Addresses = append(key.Addresses, interfaces.KeyAddress{Format: format, Address: crypto.PubkeyToAddress(*pub).Hex()})
		case interfaces.AddressFormatCompressed:
			key.Addresses = append(key.Addresses, interfaces.KeyAddress{Format: format, Address: hex.EncodeToString(crypto.CompressPubkey(pub))})
		default:
			return nil, fmt.Errorf("unsupported address format %q", format)
		}
	}
	return key, nil
}

// deriveKey derives the secp256k1 key for keyID in org. A digest that is
// not a valid scalar is rehashed with an incremented counter.
func (k *SimpleCustody) deriveKey(org interfaces.OrganizationID, keyID interfaces.KeyID) *ecdsa.PrivateKey {
	for counter := uint32(0); ; counter++ {
		seed := crypto.Keccak256(
			k.masterKey,
			[]byte(org),
			[]byte{0},
			[]byte(keyID),
			binary.BigEndian.AppendUint32(nil, counter),
		)
		if key, err := crypto.ToECDSA(seed); err == nil {
			return key
		}
	}
}
