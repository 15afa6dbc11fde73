package tonapi

// MasterchainHead is the response of /blockchain/masterchain-head
type MasterchainHead struct {
	Seqno     int64  `json:"seqno"`
	Workchain int32  `json:"workchain_id"`
	Shard     string `json:"shard"`
	RootHash  string `json:"root_hash"`
	UTime     int64  `json:"gen_utime"`
}

// Account represents an account/wallet
type Account struct {
	Address  string `json:"address"`
	Name     string `json:"name,omitempty"`
	IsScam   bool   `json:"is_scam,omitempty"`
	IsWallet bool   `json:"is_wallet,omitempty"`
}

// NftCollection is the collection an item belongs to
type NftCollection struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// NftItem is a single NFT held by an account
type NftItem struct {
	Address    string         `json:"address"`
	Index      int64          `json:"index"`
	Owner      *Account       `json:"owner,omitempty"`
	Collection *NftCollection `json:"collection,omitempty"`
	Verified   bool           `json:"verified"`
}

// NftItemsResponse is the response of /accounts/{id}/nfts
type NftItemsResponse struct {
	NftItems []NftItem `json:"nft_items"`
}
