// README: Common money value object used across modules.
package types

// Money is an amount in the smallest currency unit.
type Money struct {
	Amount   int64
	Currency string
}
