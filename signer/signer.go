// Package signer exposes a custodial key as an Ethereum transaction signer.
//
// Signing goes through the activity protocol: the unsigned transaction is
// serialized locally, submitted as a sign-transaction activity and the
// service returns the signed encoding. Arbitrary message signing is not
// offered.
package signer

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ruteri/passkey-kms-client/api"
	"github.com/ruteri/passkey-kms-client/interfaces"
	"github.com/ruteri/passkey-kms-client/signerr"
)

// TxCodec serializes an unsigned transaction to canonical hex, without
// prefix.
type TxCodec interface {
	EncodeUnsigned(tx *types.Transaction) (string, error)
}

// BinaryCodec encodes transactions with their consensus binary encoding:
// RLP for legacy transactions, the typed envelope otherwise.
type BinaryCodec struct{}

func (BinaryCodec) EncodeUnsigned(tx *types.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// TransactionSigner submits sign-transaction activities. *activity.Submitter
// implements it.
type TransactionSigner interface {
	SignTransaction(ctx context.Context, orgID interfaces.OrganizationID, keyID interfaces.KeyID, unsignedHex string) (string, error)
}

// Signer signs with one custodial key of one organization.
type Signer struct {
	activities TransactionSigner
	keys       api.KeyProvider
	orgID      interfaces.OrganizationID
	keyID      interfaces.KeyID
	codec      TxCodec

	mu      sync.Mutex
	address *common.Address
}

// New creates a Signer for keyID in orgID.
func New(activities TransactionSigner, keys api.KeyProvider, orgID interfaces.OrganizationID, keyID interfaces.KeyID) *Signer {
	return &Signer{
		activities: activities,
		keys:       keys,
		orgID:      orgID,
		keyID:      keyID,
		codec:      BinaryCodec{},
	}
}

// WithCodec replaces the transaction codec.
func (s *Signer) WithCodec(codec TxCodec) *Signer {
	s.codec = codec
	return s
}

// ResolveAddress returns the Ethereum address registered for the key. A key
// without one is a configuration error.
func (s *Signer) ResolveAddress(ctx context.Context) (common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.address != nil {
		return *s.address, nil
	}

	resp, err := s.keys.GetPrivateKey(ctx, &api.GetPrivateKeyRequest{OrganizationID: s.orgID, PrivateKeyID: s.keyID})
	if err != nil {
		return common.Address{}, signerr.Wrap(err, signerr.KindTransportFailure, "could not look up key")
	}

	for _, addr := range resp.PrivateKey.Addresses {
		if addr.Format == interfaces.AddressFormatEthereum && common.IsHexAddress(addr.Address) {
			resolved := common.HexToAddress(addr.Address)
			s.address = &resolved
			return resolved, nil
		}
	}
	return common.Address{}, signerr.New(signerr.KindMalformedResult, fmt.Sprintf("key %s has no ethereum address", s.keyID))
}

// SignTransaction signs tx and returns the 0x-prefixed signed encoding.
func (s *Signer) SignTransaction(ctx context.Context, tx *types.Transaction) (string, error) {
	if tx == nil {
		return "", signerr.New(signerr.KindUnsupportedOperation, "no transaction to sign")
	}

	unsigned, err := s.codec.EncodeUnsigned(tx)
	if err != nil {
		return "", signerr.Wrap(err, signerr.KindUnsupportedOperation, "could not encode transaction")
	}

	signed, err := s.activities.SignTransaction(ctx, s.orgID, s.keyID, unsigned)
	if err != nil {
		return "", signerr.Wrap(err, signerr.KindTransportFailure, "could not sign transaction")
	}

	return "0x" + strings.TrimPrefix(strings.TrimPrefix(signed, "0x"), "0X"), nil
}

// SignMessage always fails: the service only signs transactions.
func (s *Signer) SignMessage(ctx context.Context, message []byte) (string, error) {
	return "", signerr.New(signerr.KindUnsupportedOperation, "message signing is not supported, only transactions can be signed")
}

// SignerFn adapts the signer to go-ethereum's transaction pipeline. Requests
// for any address other than the key's are refused.
func (s *Signer) SignerFn(ctx context.Context) bind.SignerFn {
	return func(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
		address, err := s.ResolveAddress(ctx)
		if err != nil {
			return nil, err
		}
		if from != address {
			return nil, bind.ErrNotAuthorized
		}

		signedHex, err := s.SignTransaction(ctx, tx)
		if err != nil {
			return nil, err
		}

		raw, err := hexutil.Decode(signedHex)
		if err != nil {
			return nil, signerr.Wrap(err, signerr.KindMalformedResult, "signed transaction is not valid hex")
		}
		signed := new(types.Transaction)
		if err := signed.UnmarshalBinary(raw); err != nil {
			return nil, signerr.Wrap(err, signerr.KindMalformedResult, "signed transaction could not be decoded")
		}
		if err := checkSigned(tx, signed, from); err != nil {
			return nil, err
		}
		return signed, nil
	}
}

// checkSigned verifies that signed is tx signed by from.
func checkSigned(tx, signed *types.Transaction, from common.Address) error {
	var txSigner types.Signer = types.HomesteadSigner{}
	if chainID := signed.ChainId(); chainID.Sign() > 0 {
		txSigner = types.LatestSignerForChainID(chainID)
	}

	if txSigner.Hash(tx) != txSigner.Hash(signed) {
		return signerr.New(signerr.KindMalformedResult, "service signed a different transaction")
	}
	sender, err := types.Sender(txSigner, signed)
	if err != nil {
		return signerr.Wrap(err, signerr.KindMalformedResult, "signed transaction has an invalid signature")
	}
	if sender != from {
		return signerr.New(signerr.KindMalformedResult, fmt.Sprintf("transaction was signed by %s, expected %s", sender.Hex(), from.Hex()))
	}
	return nil
}

// TransactOpts returns transaction options for contract bindings that sign
// through the service.
func (s *Signer) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	address, err := s.ResolveAddress(ctx)
	if err != nil {
		return nil, err
	}
	return &bind.TransactOpts{
		From:    address,
		Signer:  s.SignerFn(ctx),
		Context: ctx,
	}, nil
}
