package mtsession

// dcAddresses maps a data-center id to its production TCP endpoint,
// grounded on the teacher pack's DC table
// (AmarnathCJD-gogr/internal/utils/utils.go DcList).
var dcAddresses = map[int]string{
	1: "149.154.175.58:443",
	2: "149.154.167.50:443",
	3: "149.154.175.100:443",
	4: "149.154.167.91:443",
	5: "91.108.56.151:443",
}

var dcAddressesTest = map[int]string{
	1: "149.154.175.10:443",
	2: "149.154.167.40:443",
	3: "149.154.175.117:443",
}

func resolveDCAddr(dcID int, testMode bool) string {
	if testMode {
		if addr, ok := dcAddressesTest[dcID]; ok {
			return addr
		}
	}
	return dcAddresses[dcID]
}

// SetDCAddresses overrides the production DC table, for example to
// target Telegram's CDN/media data centers.
func SetDCAddresses(dcs map[int]string) {
	dcAddresses = dcs
}
