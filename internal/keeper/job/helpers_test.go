package job

import (
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

func successReceipt() *types.Receipt {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100), GasUsed: 90000}
}

func signedTx() *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{Nonce: 4, GasFeeCap: big.NewInt(1), GasTipCap: big.NewInt(1)})
}
