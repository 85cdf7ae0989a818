package main

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"nyumbani/internal/config"
	"nyumbani/internal/database"
	"nyumbani/internal/domain"
	"nyumbani/internal/middleware"
	"nyumbani/internal/modules/payment"
	jwtsvc "nyumbani/internal/pkg/jwt"
	"nyumbani/internal/repository"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using process environment")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is empty")
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is empty")
	}

	paymentCfg, err := config.LoadPaymentRuntimeConfig()
	if err != nil {
		log.Fatal(err)
	}

	db, err := database.Connect(dsn)
	if err != nil {
		log.Fatal(err)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.Property{}, &domain.Payment{}, &domain.PaymentConflict{}); err != nil {
		log.Fatal(err)
	}

	paymentRepo := repository.NewPaymentRepository(db)
	propertyRepo := repository.NewPropertyRepository(db)

	j := jwtsvc.New(secret, 24*time.Hour)

	gateway := payment.NewDarajaGateway(paymentCfg, log.Printf)
	paymentService := payment.NewService(paymentRepo, propertyRepo, gateway, paymentCfg.ReconcileGrace, log.Printf)
	paymentHandler := payment.NewHandler(paymentService, log.Printf)

	r := gin.Default()
	r.Use(middleware.ErrorLogger())

	v1 := r.Group("/api/v1")
	{
		// provider webhook stays public
		paymentHandler.RegisterWebhookRoutes(v1)

		protected := v1.Group("/")
		protected.Use(middleware.Auth(j))
		{
			paymentHandler.RegisterProtectedRoutes(protected)
		}
	}

	addr := ":8080"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	if err := r.Run(addr); err != nil {
		log.Fatal(err)
	}
}
