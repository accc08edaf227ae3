// Package keyexchange assembles the end-to-end encryption key managers of a
// data owner.
//
//	crypto, err := keyexchange.New(keyexchange.Config{SelfID: "hcp-1"}, keyexchange.Dependencies{
//		Owners:       owners,
//		ExchangeData: exchangeData,
//		KeyBackend:   backend,
//		Strategies:   strategies,
//	})
//	if err != nil {
//		return err
//	}
//	if err := crypto.Initialize(ctx); err != nil {
//		return err
//	}
//	enc, err := crypto.GetOrCreateEncryptionDataTo(ctx, "patient-1")
package keyexchange
