// Swaggo annotation stubs for the hub API.
// Each function below documents one route; the handlers live in api.go.
// Run `go generate` from the project root to regenerate ./docs/.

//	@title			shrive hub API
//	@version		1.0
//	@description	Sign-in, profiles and the priest directory of a shrive hub.
//	@BasePath		/

//	@securityDefinitions.basic	BasicAuth

package rendezvous

// ── Health ───────────────────────────────────────────────────────────────────

// swagHealth is a documentation stub for GET /healthz.
//
//	@Summary	Liveness check
//	@Tags		hub
//	@Produce	plain
//	@Success	200	{string}	string	"ok"
//	@Router		/healthz [get]
func swagHealth() {}

// swagOpenAPISpec is a documentation stub for GET /api/openapi.json.
//
//	@Summary	This API description (generated by swaggo/swag)
//	@Tags		hub
//	@Produce	json
//	@Success	200	{object}	map[string]any
//	@Router		/api/openapi.json [get]
func swagOpenAPISpec() {}

// ── Auth ─────────────────────────────────────────────────────────────────────

// swagAuthAnonymous is a documentation stub for POST /api/auth/anonymous.
//
//	@Summary	Start an anonymous session
//	@Description	Creates a fresh anonymous uid. Confessors sign in this way.
//	@Tags		auth
//	@Produce	json
//	@Success	200	{object}	identity.Session
//	@Failure	429	{string}	string	"too many requests"
//	@Router		/api/auth/anonymous [post]
func swagAuthAnonymous() {}

// swagAuthRegister is a documentation stub for POST /api/auth/register.
//
//	@Summary	Register an email account
//	@Tags		auth
//	@Accept		json
//	@Produce	json
//	@Param		body	body		credentials	true	"Email and password"
//	@Success	201		{object}	identity.Session
//	@Failure	400		{object}	errorBody	"invalid email or password"
//	@Failure	409		{object}	errorBody	"email_taken"
//	@Router		/api/auth/register [post]
func swagAuthRegister() {}

// swagAuthSignIn is a documentation stub for POST /api/auth/signin.
//
//	@Summary	Sign in with email and password
//	@Tags		auth
//	@Accept		json
//	@Produce	json
//	@Param		body	body		credentials	true	"Email and password"
//	@Success	200		{object}	identity.Session
//	@Failure	401		{object}	errorBody	"invalid_credentials"
//	@Router		/api/auth/signin [post]
func swagAuthSignIn() {}

// ── Priests ──────────────────────────────────────────────────────────────────

// swagPriests is a documentation stub for GET /api/priests.
//
//	@Summary	List verified priests
//	@Tags		priests
//	@Produce	json
//	@Param		language	query		string	false	"Only priests speaking this language"
//	@Param		available	query		bool	false	"Only priests taking invitations"
//	@Success	200			{array}		profile.Priest
//	@Failure	500			{object}	errorBody
//	@Router		/api/priests [get]
func swagPriests() {}

// ── Profiles ─────────────────────────────────────────────────────────────────

// swagProfileGet is a documentation stub for GET /api/profile.
//
//	@Summary	Read a profile
//	@Tags		profiles
//	@Produce	json
//	@Param		uid	query		string	true	"Profile uid"
//	@Success	200	{object}	profile.Profile
//	@Failure	404	{object}	errorBody
//	@Router		/api/profile [get]
func swagProfileGet() {}

// swagProfilePut is a documentation stub for PUT /api/profile.
//
//	@Summary	Save a profile
//	@Description	The priest flags are kept as stored; only the admin and availability routes change them.
//	@Tags		profiles
//	@Accept		json
//	@Produce	json
//	@Param		body	body		profile.Profile	true	"Profile"
//	@Success	200		{object}	profile.Profile
//	@Failure	400		{object}	errorBody
//	@Router		/api/profile [put]
func swagProfilePut() {}

// swagAvailability is a documentation stub for POST /api/profile/availability.
//
//	@Summary	Mark a verified priest available or unavailable
//	@Tags		profiles
//	@Accept		json
//	@Produce	json
//	@Param		body	body		availabilityRequest	true	"Availability"
//	@Success	200		{object}	availabilityRequest
//	@Failure	409		{object}	errorBody	"not a verified priest"
//	@Router		/api/profile/availability [post]
func swagAvailability() {}

// ── Admin ────────────────────────────────────────────────────────────────────

// swagAdminVerify is a documentation stub for POST /api/admin/verify.
//
//	@Summary	Grant or revoke priest verification
//	@Tags		admin
//	@Accept		json
//	@Produce	json
//	@Security	BasicAuth
//	@Param		body	body		verifyRequest	true	"Verification"
//	@Success	200		{object}	verifyRequest
//	@Failure	401		{string}	string	"unauthorized"
//	@Failure	403		{string}	string	"admin api disabled"
//	@Failure	404		{object}	errorBody
//	@Router		/api/admin/verify [post]
func swagAdminVerify() {}
