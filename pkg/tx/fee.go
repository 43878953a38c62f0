package tx

// EstimateTxFee returns the minimum fee for a transaction with the given
// number of inputs and outputs at the given fee rate (base units per byte).
//
// The estimate is based on the SigningBytes layout (which excludes signatures):
//
//	version(4) + inputCount(4) + inputs(36*n) + outputCount(4) + outputs(45*n) + locktime(8)
//
// perOutput = 45 (8 value + 1 type + 4 len + 32 pubkey hash).
func EstimateTxFee(numInputs, numOutputs int, feeRate uint64) uint64 {
	const overhead = 4 + 4 + 4 + 8  // version + inputCount + outputCount + locktime
	const perInput = 32 + 4         // txID + index
	const perOutput = 8 + 1 + 4 + 32 // value + scriptType + scriptDataLen + pubkey hash

	size := overhead + perInput*numInputs + perOutput*numOutputs
	return uint64(size) * feeRate
}

// RequiredFee returns the exact minimum fee for a fully built transaction
// at the given fee rate (base units per byte of SigningBytes).
func RequiredFee(transaction *Transaction, feeRate uint64) uint64 {
	return uint64(len(transaction.SigningBytes())) * feeRate
}
