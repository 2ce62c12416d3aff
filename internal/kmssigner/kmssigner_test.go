package kmssigner

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestLocalSignTxRecoversSameAddress(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	signer, err := NewLocal("0x" + hexKey)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	to := common.HexToAddress("0x0000000000000000000000000000000000000001")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID: big.NewInt(1), Nonce: 0,
		GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(100),
		Gas: 21000, To: &to, Value: big.NewInt(0),
	})

	signed, err := signer.SignTx(tx, big.NewInt(1))
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}

	sender, err := types.Sender(types.NewLondonSigner(big.NewInt(1)), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != signer.address {
		t.Fatalf("sender %s != signer address %s", sender.Hex(), signer.address.Hex())
	}
}

func TestNewLocalRejectsInvalidKey(t *testing.T) {
	if _, err := NewLocal("0xnothex"); err == nil {
		t.Fatal("expected error for invalid hex key")
	}
}
