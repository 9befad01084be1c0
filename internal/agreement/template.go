package agreement

import (
	"errors"
	"fmt"

	"datagate/internal/keeper"
)

// ServiceType selects which condition template an agreement uses.
type ServiceType string

const (
	ServiceAccess  ServiceType = "access"
	ServiceCompute ServiceType = "compute"
)

// Actor roles referenced by templates.
const (
	RoleConsumer = "consumer"
	RoleProvider = "provider"
)

var (
	ErrUnknownServiceType = errors.New("unknown service type")
	ErrTemplateBinding    = errors.New("template actor roles do not match the supplied addresses")
)

// Template is one member of the closed template set. Conditions are ordered:
// the reward lock always precedes the grant, which precedes the escrow
// release. ActorRoles gives the role order the ledger expects actors in.
type Template struct {
	ID         string
	Name       string
	Conditions []string
	ActorRoles []string
}

var (
	accessTemplate = Template{
		ID:         "0x" + fmt.Sprintf("%064x", 1),
		Name:       "dataAssetAccessServiceAgreement",
		Conditions: []string{keeper.ContractLockReward, keeper.ContractAccess, keeper.ContractEscrowReward},
		ActorRoles: []string{RoleConsumer, RoleProvider},
	}
	computeTemplate = Template{
		ID:         "0x" + fmt.Sprintf("%064x", 2),
		Name:       "dataAssetComputeServiceAgreement",
		Conditions: []string{keeper.ContractLockReward, keeper.ContractCompute, keeper.ContractEscrowReward},
		ActorRoles: []string{RoleConsumer, RoleProvider},
	}
)

// TemplateFor resolves the template for a service type.
func TemplateFor(st ServiceType) (Template, error) {
	switch st {
	case ServiceAccess:
		return accessTemplate, nil
	case ServiceCompute:
		return computeTemplate, nil
	default:
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownServiceType, st)
	}
}

// BindActors orders the given addresses per the template's role schema.
func (t Template) BindActors(consumer, provider string) ([]string, error) {
	roleToAddr := map[string]string{
		RoleConsumer: consumer,
		RoleProvider: provider,
	}
	actors := make([]string, 0, len(t.ActorRoles))
	for _, role := range t.ActorRoles {
		addr, ok := roleToAddr[role]
		if !ok || addr == "" {
			return nil, fmt.Errorf("%w: no address for role %q", ErrTemplateBinding, role)
		}
		actors = append(actors, addr)
	}
	return actors, nil
}
