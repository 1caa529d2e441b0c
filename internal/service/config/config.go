package config

type Config struct {
	FactoryAddr  string
	AdminAccount string
}
