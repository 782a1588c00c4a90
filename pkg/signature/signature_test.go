package signature

import (
	"crypto/ecdsa"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
	"github.com/speedrun-hq/session-relayer/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testChainID   = big.NewInt(8453)
	testSessionID = "0x" + strings.Repeat("ab", 32)
	testRecipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testFallback  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func signRequest(t *testing.T, key *ecdsa.PrivateKey, recipient common.Address, amount *big.Int, id string) string {
	t.Helper()
	sessionID, err := ParseBytes32(testSessionID)
	require.NoError(t, err)
	sig, err := Sign(Digest(sessionID, recipient, amount, EncodePaymentID(id), testChainID), key)
	require.NoError(t, err)
	return hexutil.Encode(sig)
}

func newSession(key *ecdsa.PrivateKey) *models.SessionRecord {
	return &models.SessionRecord{
		Signer: crypto.PubkeyToAddress(key.PublicKey),
		Active: true,
	}
}

func TestVerifyMatchesPaymentID(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	v := NewVerifier(testChainID, 6, testFallback, &logger.EmptyLogger{})

	req := models.PaymentRequest{
		SessionID: testSessionID,
		PaymentID: "pay-123",
		Recipient: testRecipient.Hex(),
		Amount:    "5000000",
		Signature: signRequest(t, key, testRecipient, big.NewInt(5_000_000), "pay-123"),
	}

	match, ok := v.Verify(req, newSession(key))
	require.True(t, ok)
	assert.Equal(t, testRecipient, match.Recipient)
	assert.Equal(t, SourcePaymentID, match.Source)
	assert.Equal(t, EncodePaymentID("pay-123"), match.PaymentID)
	assert.Equal(t, int64(5_000_000), match.Amount.Int64())
}

func TestVerifyPrefersOrderID(t *testing.T) {
	key, _ := crypto.GenerateKey()
	v := NewVerifier(testChainID, 6, testFallback, &logger.EmptyLogger{})

	req := models.PaymentRequest{
		SessionID: testSessionID,
		PaymentID: "pay-123",
		OrderID:   "order-9",
		Recipient: testRecipient.Hex(),
		Amount:    "100",
		Signature: signRequest(t, key, testRecipient, big.NewInt(100), "order-9"),
	}

	match, ok := v.Verify(req, newSession(key))
	require.True(t, ok)
	assert.Equal(t, SourceOrderID, match.Source)
	assert.Equal(t, EncodePaymentID("order-9"), match.PaymentID)
}

func TestVerifyFallbackRecipient(t *testing.T) {
	key, _ := crypto.GenerateKey()
	v := NewVerifier(testChainID, 6, testFallback, &logger.EmptyLogger{})

	// signed for the settlement contract, submitted with the merchant address
	req := models.PaymentRequest{
		SessionID: testSessionID,
		PaymentID: "pay-1",
		Recipient: testRecipient.Hex(),
		Amount:    "100",
		Signature: signRequest(t, key, testFallback, big.NewInt(100), "pay-1"),
	}

	match, ok := v.Verify(req, newSession(key))
	require.True(t, ok)
	assert.Equal(t, testFallback, match.Recipient)
}

func TestVerifyScalesAmount(t *testing.T) {
	key, _ := crypto.GenerateKey()
	v := NewVerifier(testChainID, 6, common.Address{}, &logger.EmptyLogger{})
	decimals := 18

	req := models.PaymentRequest{
		SessionID:     testSessionID,
		PaymentID:     "pay-1",
		Recipient:     testRecipient.Hex(),
		Amount:        "1234567890123456789",
		TokenDecimals: &decimals,
		Signature:     signRequest(t, key, testRecipient, big.NewInt(1_234_567), "pay-1"),
	}

	match, ok := v.Verify(req, newSession(key))
	require.True(t, ok)
	assert.Equal(t, int64(1_234_567), match.Amount.Int64())
}

func TestVerifyMismatch(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	v := NewVerifier(testChainID, 6, testFallback, &logger.EmptyLogger{})

	req := models.PaymentRequest{
		SessionID: testSessionID,
		PaymentID: "pay-1",
		Recipient: testRecipient.Hex(),
		Amount:    "100",
		Signature: signRequest(t, other, testRecipient, big.NewInt(100), "pay-1"),
	}

	_, ok := v.Verify(req, newSession(key))
	assert.False(t, ok)

	// same key, different amount
	req.Signature = signRequest(t, key, testRecipient, big.NewInt(101), "pay-1")
	_, ok = v.Verify(req, newSession(key))
	assert.False(t, ok)
}

func TestVerifyMalformedSignature(t *testing.T) {
	key, _ := crypto.GenerateKey()
	v := NewVerifier(testChainID, 6, testFallback, &logger.EmptyLogger{})

	for _, sig := range []string{"", "0x", "0x1234", "zz"} {
		req := models.PaymentRequest{
			SessionID: testSessionID,
			PaymentID: "pay-1",
			Recipient: testRecipient.Hex(),
			Amount:    "100",
			Signature: sig,
		}
		_, ok := v.Verify(req, newSession(key))
		assert.False(t, ok, sig)
	}
}

func TestEncodePaymentID(t *testing.T) {
	assert.Equal(t, common.HexToHash("0x01"), common.Hash(EncodePaymentID("0x01")))
	assert.Equal(t, common.HexToHash("0xabc"), common.Hash(EncodePaymentID("0xabc")))

	full := "0x" + strings.Repeat("11", 32)
	assert.Equal(t, common.HexToHash(full), common.Hash(EncodePaymentID(full)))

	// longer than 32 bytes or not hex is hashed
	long := "0x" + strings.Repeat("11", 33)
	assert.Equal(t, crypto.Keccak256Hash([]byte(long)), common.Hash(EncodePaymentID(long)))
	assert.Equal(t, crypto.Keccak256Hash([]byte("pay-1")), common.Hash(EncodePaymentID("pay-1")))
	assert.Equal(t, crypto.Keccak256Hash([]byte("0xzz")), common.Hash(EncodePaymentID("0xzz")))
}

func TestRecoverAcceptsBothRecoveryIDForms(t *testing.T) {
	key, _ := crypto.GenerateKey()
	hash := crypto.Keccak256([]byte("hello"))

	raw, err := crypto.Sign(hash, key)
	require.NoError(t, err)
	addr, err := Recover(hash, raw)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), addr)

	wallet, err := Sign(hash, key)
	require.NoError(t, err)
	addr, err = Recover(hash, wallet)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), addr)

	_, err = Recover(hash, wallet[:64])
	assert.Error(t, err)
}

func TestParseBytes32(t *testing.T) {
	_, err := ParseBytes32(testSessionID)
	assert.NoError(t, err)

	_, err = ParseBytes32("0x1234")
	assert.Error(t, err)

	_, err = ParseBytes32("not hex")
	assert.Error(t, err)
}
