package ports

import "github.com/layer-3/pingmark/core"

// Tokenizer converts between completion receipts and signed tokens
type Tokenizer interface {
	ReceiptToToken(receipt *core.Receipt) (string, error)
	TokenToReceipt(token string) (*core.Receipt, error)
}
