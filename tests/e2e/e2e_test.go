package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nyumbani/internal/config"
	"nyumbani/internal/database"
	"nyumbani/internal/domain"
	"nyumbani/internal/middleware"
	"nyumbani/internal/modules/payment"
	jwtsvc "nyumbani/internal/pkg/jwt"
	"nyumbani/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testSuite struct {
	router *gin.Engine
	db     *gorm.DB
	daraja *fakeDaraja
	token  string
}

type apiResponse struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// fakeDaraja stands in for the Safaricom sandbox: oauth, STK push and
// STK query, with a scriptable query answer.
type fakeDaraja struct {
	server *httptest.Server

	mu            sync.Mutex
	nextCheckout  int
	lastCheckout  string
	queryResponse map[string]interface{} // nil means "still processing"
	pushDown      bool
}

func newFakeDaraja() *fakeDaraja {
	f := &fakeDaraja{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"access_token": "test-token", "expires_in": "3599"})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.pushDown {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"errorCode": "500.003.03", "errorMessage": "Service unavailable",
			})
			return
		}
		f.nextCheckout++
		f.lastCheckout = fmt.Sprintf("ws_CO_e2e_%d", f.nextCheckout)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"MerchantRequestID":   fmt.Sprintf("mr_e2e_%d", f.nextCheckout),
			"CheckoutRequestID":   f.lastCheckout,
			"ResponseCode":        "0",
			"ResponseDescription": "Success. Request accepted for processing",
			"CustomerMessage":     "Success. Request accepted for processing",
		})
	})
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.queryResponse == nil {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"errorCode": "500.001.1001", "errorMessage": "The transaction is being processed",
			})
			return
		}
		writeJSON(w, http.StatusOK, f.queryResponse)
	})
	f.server = httptest.NewServer(mux)
	return f
}

func (f *fakeDaraja) checkoutID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCheckout
}

func (f *fakeDaraja) setQueryResponse(resp map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryResponse = resp
}

func (f *fakeDaraja) setPushDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushDown = down
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setupSuite(t *testing.T, reconcileGrace time.Duration) *testSuite {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Connect(":memory:")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.User{}, &domain.Property{}, &domain.Payment{}, &domain.PaymentConflict{}))

	require.NoError(t, db.Create(&domain.User{ID: 7, Email: "tenant@example.com", Role: domain.RoleTenant, Name: "Tenant"}).Error)
	require.NoError(t, db.Create(&domain.Property{
		ID:          "p1",
		OwnerID:     2,
		Title:       "Two bedroom, Kilimani",
		City:        "Nairobi",
		MonthlyRent: decimal.NewFromInt(45000),
		BookingFee:  decimal.NewFromInt(5000),
	}).Error)

	daraja := newFakeDaraja()
	t.Cleanup(daraja.server.Close)

	cfg := &config.PaymentRuntimeConfig{
		AppEnv:          "test",
		BaseURL:         daraja.server.URL,
		ConsumerKey:     "ck",
		ConsumerSecret:  "cs",
		ShortCode:       "174379",
		Passkey:         "pk",
		TransactionType: "CustomerPayBillOnline",
		CallbackURL:     "http://localhost/api/v1/payments/mpesa/callback",
		HTTPTimeout:     2 * time.Second,
		ReconcileGrace:  reconcileGrace,
		PollInterval:    3 * time.Second,
		PollTimeout:     120 * time.Second,
	}

	paymentRepo := repository.NewPaymentRepository(db)
	propertyRepo := repository.NewPropertyRepository(db)
	gateway := payment.NewDarajaGateway(cfg, nil)
	service := payment.NewService(paymentRepo, propertyRepo, gateway, cfg.ReconcileGrace, nil)
	handler := payment.NewHandler(service, nil)

	j := jwtsvc.New("test-secret", time.Hour)
	token, err := j.GenerateToken(7, string(domain.RoleTenant))
	require.NoError(t, err)

	r := gin.New()
	r.Use(middleware.ErrorLogger())
	v1 := r.Group("/api/v1")
	handler.RegisterWebhookRoutes(v1)
	protected := v1.Group("/")
	protected.Use(middleware.Auth(j))
	handler.RegisterProtectedRoutes(protected)

	return &testSuite{router: r, db: db, daraja: daraja, token: token}
}

func (s *testSuite) request(t *testing.T, method, path string, body interface{}, authed bool) (*httptest.ResponseRecorder, *apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp apiResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, &resp
}

func (s *testSuite) initiate(t *testing.T) (paymentID, checkoutID string) {
	t.Helper()
	w, resp := s.request(t, http.MethodPost, "/api/v1/payments", map[string]interface{}{
		"property_id":  "p1",
		"amount":       5000,
		"phone_number": "0712345678",
		"type":         "BOOKING_FEE",
	}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.True(t, resp.Success)
	require.Equal(t, "PROCESSING", resp.Data["status"])
	require.Equal(t, "254712345678", resp.Data["phone_number"])
	return resp.Data["id"].(string), s.daraja.checkoutID()
}

func (s *testSuite) postCallback(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/mpesa/callback", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func successCallback(checkoutID, receipt string) string {
	return fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"mr_e2e_1","CheckoutRequestID":"%s",
		"ResultCode":0,"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":5000},
			{"Name":"MpesaReceiptNumber","Value":"%s"},
			{"Name":"TransactionDate","Value":20260831121530},
			{"Name":"PhoneNumber","Value":254712345678}
		]}}}}`, checkoutID, receipt)
}

func failureCallback(checkoutID string, code int, desc string) string {
	return fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"mr_e2e_1","CheckoutRequestID":"%s",
		"ResultCode":%d,"ResultDesc":"%s"}}}`, checkoutID, code, desc)
}

func TestPaymentLifecycle_SuccessViaCallback(t *testing.T) {
	s := setupSuite(t, time.Hour)
	paymentID, checkoutID := s.initiate(t)

	// asynchronous provider result lands
	w := s.postCallback(t, successCallback(checkoutID, "QAX123"))
	assert.Equal(t, http.StatusOK, w.Code)

	w2, resp := s.request(t, http.MethodGet, "/api/v1/payments/"+paymentID, nil, true)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, "COMPLETED", resp.Data["status"])
	assert.Equal(t, "QAX123", resp.Data["mpesa_receipt_number"])
}

func TestPaymentLifecycle_DuplicateCallbackIsIdempotent(t *testing.T) {
	s := setupSuite(t, time.Hour)
	paymentID, checkoutID := s.initiate(t)

	body := successCallback(checkoutID, "QAX123")
	assert.Equal(t, http.StatusOK, s.postCallback(t, body).Code)
	// provider redelivers the identical result
	assert.Equal(t, http.StatusOK, s.postCallback(t, body).Code)

	var p domain.Payment
	require.NoError(t, s.db.Where("id = ?", paymentID).First(&p).Error)
	assert.Equal(t, domain.PaymentCompleted, p.Status)
	assert.Equal(t, 0, p.ConflictCount)
}

func TestPaymentLifecycle_FailureCallback(t *testing.T) {
	s := setupSuite(t, time.Hour)
	paymentID, checkoutID := s.initiate(t)

	assert.Equal(t, http.StatusOK, s.postCallback(t, failureCallback(checkoutID, 1032, "Request cancelled by user")).Code)

	_, resp := s.request(t, http.MethodGet, "/api/v1/payments/"+paymentID, nil, true)
	assert.Equal(t, "FAILED", resp.Data["status"])
	assert.Contains(t, resp.Data["failure_reason"], "1032")
}

func TestPaymentLifecycle_LateFailureDoesNotOverwriteCompletion(t *testing.T) {
	s := setupSuite(t, time.Hour)
	paymentID, checkoutID := s.initiate(t)

	assert.Equal(t, http.StatusOK, s.postCallback(t, successCallback(checkoutID, "QAX123")).Code)
	assert.Equal(t, http.StatusOK, s.postCallback(t, failureCallback(checkoutID, 1037, "DS timeout")).Code)

	var p domain.Payment
	require.NoError(t, s.db.Where("id = ?", paymentID).First(&p).Error)
	assert.Equal(t, domain.PaymentCompleted, p.Status)
	assert.Equal(t, 1, p.ConflictCount)

	w, _ := s.request(t, http.MethodGet, "/api/v1/payments/"+paymentID+"/conflicts", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var envelope struct {
		Success bool                     `json:"success"`
		Data    []domain.PaymentConflict `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 1)
	assert.Equal(t, domain.PaymentCompleted, envelope.Data[0].ExistingStatus)
	assert.Equal(t, domain.PaymentFailed, envelope.Data[0].ReportedStatus)
}

func TestPaymentLifecycle_ReconcileOnStaleStatusRead(t *testing.T) {
	s := setupSuite(t, time.Nanosecond)
	paymentID, _ := s.initiate(t)

	// no callback ever arrives; the provider query knows the outcome
	s.daraja.setQueryResponse(map[string]interface{}{
		"ResponseCode":        "0",
		"ResponseDescription": "The service request has been accepted successsfully",
		"ResultCode":          "0",
		"ResultDesc":          "The service request is processed successfully.",
		"MpesaReceiptNumber":  "QBX456",
	})

	time.Sleep(time.Millisecond)
	_, resp := s.request(t, http.MethodGet, "/api/v1/payments/"+paymentID, nil, true)
	assert.Equal(t, "COMPLETED", resp.Data["status"])
	assert.Equal(t, "QBX456", resp.Data["mpesa_receipt_number"])
}

func TestPaymentLifecycle_StillProcessingQueryLeavesRecordAlone(t *testing.T) {
	s := setupSuite(t, time.Nanosecond)
	paymentID, _ := s.initiate(t)

	// default query answer is the "transaction being processed" error
	time.Sleep(time.Millisecond)
	_, resp := s.request(t, http.MethodGet, "/api/v1/payments/"+paymentID, nil, true)
	assert.Equal(t, "PROCESSING", resp.Data["status"])
}

func TestPaymentLifecycle_GatewayDownOnInitiate(t *testing.T) {
	s := setupSuite(t, time.Hour)
	s.daraja.setPushDown(true)

	w, resp := s.request(t, http.MethodPost, "/api/v1/payments", map[string]interface{}{
		"property_id":  "p1",
		"amount":       5000,
		"phone_number": "0712345678",
		"type":         "RENT",
	}, true)
	require.Equal(t, http.StatusCreated, w.Code, "a traceable FAILED record still exists")
	assert.Equal(t, "FAILED", resp.Data["status"])
}

func TestPaymentLifecycle_CancelThenLateCallbackConflicts(t *testing.T) {
	s := setupSuite(t, time.Hour)
	paymentID, checkoutID := s.initiate(t)

	w, resp := s.request(t, http.MethodPost, "/api/v1/payments/"+paymentID+"/cancel", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CANCELLED", resp.Data["status"])

	// cancelling twice is rejected
	w2, _ := s.request(t, http.MethodPost, "/api/v1/payments/"+paymentID+"/cancel", nil, true)
	assert.Equal(t, http.StatusConflict, w2.Code)

	// a late success callback cannot resurrect the record, but is kept
	assert.Equal(t, http.StatusOK, s.postCallback(t, successCallback(checkoutID, "QZZ999")).Code)
	var p domain.Payment
	require.NoError(t, s.db.Where("id = ?", paymentID).First(&p).Error)
	assert.Equal(t, domain.PaymentCancelled, p.Status)
	assert.Equal(t, 1, p.ConflictCount)
}

func TestPaymentEndpoints_RequireAuth(t *testing.T) {
	s := setupSuite(t, time.Hour)

	w, _ := s.request(t, http.MethodPost, "/api/v1/payments", map[string]interface{}{
		"property_id": "p1", "amount": 5000, "phone_number": "0712345678", "type": "RENT",
	}, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w2, _ := s.request(t, http.MethodGet, "/api/v1/payments", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w2.Code)
}

func TestCallback_UnknownAndMalformedPayloads(t *testing.T) {
	s := setupSuite(t, time.Hour)

	// unknown correlation id is benign and acknowledged
	assert.Equal(t, http.StatusOK, s.postCallback(t, successCallback("ws_CO_unknown", "QAX123")).Code)

	// structurally unreadable body is the only rejection
	assert.Equal(t, http.StatusBadRequest, s.postCallback(t, "{not-json").Code)
	assert.Equal(t, http.StatusBadRequest, s.postCallback(t, `{"Body":{"stkCallback":{"ResultCode":0}}}`).Code)
}

func TestInitiate_ValidationErrors(t *testing.T) {
	s := setupSuite(t, time.Hour)

	cases := []map[string]interface{}{
		{"property_id": "p1", "amount": 0, "phone_number": "0712345678", "type": "RENT"},
		{"property_id": "p1", "amount": 5000, "phone_number": "12345", "type": "RENT"},
		{"property_id": "p1", "amount": 5000, "phone_number": "0712345678", "type": "SUBSCRIPTION"},
		{"property_id": "ghost", "amount": 5000, "phone_number": "0712345678", "type": "RENT"},
	}
	for _, body := range cases {
		w, _ := s.request(t, http.MethodPost, "/api/v1/payments", body, true)
		assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	}

	var count int64
	require.NoError(t, s.db.Model(&domain.Payment{}).Count(&count).Error)
	assert.Zero(t, count, "validation failures must not leave records behind")
}

func TestListPayments(t *testing.T) {
	s := setupSuite(t, time.Hour)
	first, _ := s.initiate(t)
	second, _ := s.initiate(t)

	w, _ := s.request(t, http.MethodGet, "/api/v1/payments", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Success bool `json:"success"`
		Data    []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 2)
	ids := []string{envelope.Data[0].ID, envelope.Data[1].ID}
	assert.Contains(t, ids, first)
	assert.Contains(t, ids, second)
}
