// Package signer connects the withdrawal processor to the chains: address
// checks, broadcasters and transaction status lookups per network.
package signer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
)

const (
	NetworkBitcoin  = "bitcoin"
	NetworkEthereum = "ethereum"
	NetworkTron     = "tron"
)

const tronAddressVersion = 0x41

var ErrUnsupportedNetwork = errors.New("unsupported network")

// AddressValidator checks destination addresses for the networks the
// exchange withdraws on.
type AddressValidator struct {
	btc *chaincfg.Params
}

func NewAddressValidator(bitcoinNet string) (*AddressValidator, error) {
	params, err := BitcoinParams(bitcoinNet)
	if err != nil {
		return nil, err
	}
	return &AddressValidator{btc: params}, nil
}

// BitcoinParams maps a configured net name to btcd chain parameters.
func BitcoinParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin net %q", name)
	}
}

func (v *AddressValidator) ValidateAddress(network, address string) error {
	switch network {
	case NetworkBitcoin:
		addr, err := btcutil.DecodeAddress(address, v.btc)
		if err != nil {
			return err
		}
		if !addr.IsForNet(v.btc) {
			return fmt.Errorf("address is not for %s", v.btc.Name)
		}
		return nil
	case NetworkEthereum:
		if !common.IsHexAddress(address) {
			return errors.New("not a hex address")
		}
		if common.HexToAddress(address) == (common.Address{}) {
			return errors.New("zero address")
		}
		return nil
	case NetworkTron:
		payload, version, err := base58.CheckDecode(address)
		if err != nil {
			return err
		}
		if version != tronAddressVersion || len(payload) != common.AddressLength {
			return errors.New("not a tron address")
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
}
