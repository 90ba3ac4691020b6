package api

// Endpoints collects the external base URLs. Production values are fixed;
// tests point them at local servers.
type Endpoints struct {
	Accounts    string // login provider
	AccountsAPI string // account profile API
	GameService string // vendor game-service API
	SplatNet    string // vendor data API
	StatInk     string // statistics service
	AppStore    string // mobile-app listing, scraped for the app version
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Accounts:    "https://accounts.nintendo.com",
		AccountsAPI: "https://api.accounts.nintendo.com",
		GameService: "https://api-lp1.znc.srv.nintendo.net",
		SplatNet:    "https://api.lp1.av5ja.srv.nintendo.net",
		StatInk:     "https://stat.ink",
		AppStore:    "https://apps.apple.com/us/app/nintendo-switch-online/id1234806557",
	}
}
