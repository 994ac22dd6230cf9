// Package crypto derives the wallet's public keys and everything peers and
// index services match them by: hash160, scripts, addresses and the bloom
// filter.
package crypto

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/txscript"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"spvkit/chaincfg"
)

// DefaultGapLimit is the number of unused keys scanned past the last used
// one.
const DefaultGapLimit = 20

var (
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrNoSegwit        = errors.New("network has no segwit address format")
)

// Branch is the BIP44 change level.
type Branch uint32

const (
	External Branch = 0
	Internal Branch = 1
)

func (b Branch) String() string {
	if b == Internal {
		return "internal"
	}
	return "external"
}

// Key is a derived public key at m/44'/coin'/account'/branch/index.
type Key struct {
	Account uint32
	Branch  Branch
	Index   uint32

	// PubKey is the 33-byte compressed encoding.
	PubKey []byte
}

func (k *Key) PubKeyHash() []byte {
	return Hash160(k.PubKey)
}

// Address is the base58check P2PKH address.
func (k *Key) Address(params *chaincfg.Params) string {
	return base58.CheckEncode(k.PubKeyHash(), params.PubKeyHashAddrID)
}

// SegwitAddress is the bech32 P2WPKH address.
func (k *Key) SegwitAddress(params *chaincfg.Params) (string, error) {
	if params.Bech32HRPSegwit == "" {
		return "", fmt.Errorf("%s: %w", params.Name, ErrNoSegwit)
	}
	program, err := bech32.ConvertBits(k.PubKeyHash(), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(params.Bech32HRPSegwit, append([]byte{0}, program...))
}

func (k *Key) P2PKHScript() ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(k.PubKeyHash()).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

func (k *Key) P2WPKHScript() ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(k.PubKeyHash()).
		Script()
}

type keyCount struct {
	external uint32
	internal uint32
}

// Keychain derives BIP44 account keys from a BIP39 seed. Only public
// derivation happens below the account level. It is safe for concurrent
// use.
type Keychain struct {
	mu       sync.Mutex
	master   *bip32.Key
	coinType uint32
	gapLimit uint32
	accounts map[uint32]*bip32.Key
	counts   map[uint32]keyCount
}

// GenerateMnemonic returns a new 24 word mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

func NewKeychainFromMnemonic(mnemonic, passphrase string, params *chaincfg.Params) (*Keychain, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	return NewKeychain(seed, params)
}

func NewKeychain(seed []byte, params *chaincfg.Params) (*Keychain, error) {
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	return &Keychain{
		master:   master,
		coinType: params.HDCoinType,
		gapLimit: DefaultGapLimit,
		accounts: make(map[uint32]*bip32.Key),
		counts:   make(map[uint32]keyCount),
	}, nil
}

// SetGapLimit changes the lookahead used by WatchKeys.
func (kc *Keychain) SetGapLimit(n uint32) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	kc.gapLimit = n
}

// accountKey returns the extended public key of account.
func (kc *Keychain) accountKey(account uint32) (*bip32.Key, error) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if key, ok := kc.accounts[account]; ok {
		return key, nil
	}
	key := kc.master
	for _, child := range []uint32{
		44 + bip32.FirstHardenedChild,
		kc.coinType + bip32.FirstHardenedChild,
		account + bip32.FirstHardenedChild,
	} {
		var err error
		if key, err = key.NewChildKey(child); err != nil {
			return nil, fmt.Errorf("failed to derive account %d: %w", account, err)
		}
	}
	pub := key.PublicKey()
	kc.accounts[account] = pub
	return pub, nil
}

// DeriveKeys returns count keys of branch starting at index start.
func (kc *Keychain) DeriveKeys(account uint32, branch Branch, start, count uint32) ([]*Key, error) {
	acct, err := kc.accountKey(account)
	if err != nil {
		return nil, err
	}
	branchKey, err := acct.NewChildKey(uint32(branch))
	if err != nil {
		return nil, err
	}

	keys := make([]*Key, 0, count)
	for i := start; i < start+count; i++ {
		child, err := branchKey.NewChildKey(i)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s key %d: %w", branch, i, err)
		}
		if _, err := btcec.ParsePubKey(child.Key); err != nil {
			return nil, fmt.Errorf("derived invalid %s key %d: %w", branch, i, err)
		}
		keys = append(keys, &Key{Account: account, Branch: branch, Index: i, PubKey: child.Key})
	}
	return keys, nil
}

// SetKeyCount records how many keys of each branch of account are in use.
func (kc *Keychain) SetKeyCount(account, external, internal uint32) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	kc.counts[account] = keyCount{external: external, internal: internal}
}

func (kc *Keychain) KeyCount(account uint32) (external, internal uint32) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	c := kc.counts[account]
	return c.external, c.internal
}

// WatchKeys returns the used keys of every known account plus a gap limit
// of fresh keys on each branch. Account 0 is always included.
func (kc *Keychain) WatchKeys() ([]*Key, error) {
	kc.mu.Lock()
	accounts := []uint32{0}
	for account := range kc.counts {
		if account != 0 {
			accounts = append(accounts, account)
		}
	}
	counts := make(map[uint32]keyCount, len(kc.counts))
	for account, c := range kc.counts {
		counts[account] = c
	}
	gap := kc.gapLimit
	kc.mu.Unlock()

	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })

	var keys []*Key
	for _, account := range accounts {
		c := counts[account]
		external, err := kc.DeriveKeys(account, External, 0, c.external+gap)
		if err != nil {
			return nil, err
		}
		internal, err := kc.DeriveKeys(account, Internal, 0, c.internal+gap)
		if err != nil {
			return nil, err
		}
		keys = append(keys, external...)
		keys = append(keys, internal...)
	}
	return keys, nil
}
