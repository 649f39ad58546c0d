// Package accounts provides account federation and login sessions for Go applications.
//
// A single user account can be reached through several interchangeable login
// methods: an email and password, an OAuth2 provider, or an OpenID provider.
// Whichever method was used, the result is the same canonical User record and
// the same persistent session.
//
// # Architecture
//
// User: the identity-independent account. It carries an optional unique email
// and timestamps. Users are never deleted by this package.
//
// Credentials: a user may own at most one password credential and any number
// of OAuth2 identities (provider, uid) and OpenID identities (identity URL).
// Each remote identity maps to at most one user.
//
// Session keys: high-entropy capabilities issued on login. Possessing the
// (user id, key) pair is equivalent to being logged in. The same pair can be
// mirrored into a long-lived carrier (usually a cookie) for auto-login.
//
// # Basic Usage
//
// Load the configuration, then set up a store and a provider registry:
//
//	config, err := accounts.LoadConfigFromEnv()
//
//	db, _ := gorm.Open(sqlite.Open("accounts.db"), &gorm.Config{})
//	store := gormstore.New(db)
//	_ = gormstore.AutoMigrate(db)
//
//	registry := accounts.NewProviderRegistry()
//	registry.Register("google", oauth2.NewGoogleFactory(config.Google))
//
// Create the engine and session manager:
//
//	engine := accounts.NewEngine(store, registry, config)
//	sessions := accounts.NewSessionManager(store, config)
//
// Log a user in and persist the session:
//
//	sc := accounts.NewSessionContext(sessionStore, carrier)
//	res, err := engine.Password().Login(ctx, &accounts.Request{Email: email, Password: password})
//	if err != nil {
//	    // errors.Is(err, accounts.ErrAccountNotFound) etc.
//	}
//	_ = sessions.Persist(ctx, sc, res.User, rememberMe)
//	_ = sessions.SetIdentity(ctx, sc, res.Identity)
//
// External methods are two-phase. The first call returns a Result with a
// RedirectURL and no user; the caller redirects the browser and calls the
// same operation again with the Callback the provider sent back.
//
// # Subpackages
//
//   - stores/gorm, stores/fs, stores/gae: AccountStore implementations
//   - stores/storetest: contract tests shared by the stores
//   - sessions: scs and cookie based session transports
//   - oauth2, openid, saml: provider handles
//   - handlers: HTTP routes and middleware over the engine and session manager
//   - grpc: session resolution for gRPC services
//   - client: command line client that keeps the auto-login cookie on disk
//   - cmd/demo-hostapp: standalone server, store maintenance and client commands
package accounts
