package market

import (
	"fmt"
	"strings"
)

const catalogHeader = "instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange"

// testCatalogCSV lists NIFTY options at four strikes for two expiries plus the index itself.
func testCatalogCSV() string {
	rows := []string{
		catalogHeader,
		`256265,1001,NIFTY 50,"NIFTY 50",0,,0,0,0,EQ,INDICES,NSE`,
	}
	token := 10000
	for _, exp := range []string{"2024-03-28", "2024-04-25"} {
		for _, strike := range []int{22000, 22100, 22200, 22400} {
			for _, typ := range []string{"CE", "PE"} {
				sym := fmt.Sprintf("NIFTY%s%d%s", strings.ReplaceAll(exp[2:7], "-", ""), strike, typ)
				rows = append(rows, fmt.Sprintf(`%d,%d,%s,"NIFTY",0,%s,%d,0.05,50,%s,NFO-OPT,NFO`,
					token, token/256, sym, exp, strike, typ))
				token++
			}
		}
	}
	rows = append(rows, `99999,1,BANKNIFTY24MAR47000CE,"BANKNIFTY",0,2024-03-28,47000,0.05,15,CE,NFO-OPT,NFO`)
	rows = append(rows, `short,row`)
	return strings.Join(rows, "\n") + "\n"
}
