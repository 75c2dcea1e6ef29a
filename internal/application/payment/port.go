package payment

import (
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/application"
	appinventory "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/inventory"
)

// StockChecker is the outbound port used to refuse carts the ledger cannot cover.
// It belongs to the application layer to express use-case dependencies.
type StockChecker = application.UseCase[appinventory.CheckStockInput, *appinventory.CheckStockResult]
