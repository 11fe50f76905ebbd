/*
Package mashr implements the numerical core of the multivariate adaptive
shrinkage (mash) model: posterior inference for effects observed with noise
across R conditions under a discrete mixture of multivariate normal priors.

Given an R x J matrix of estimated effects, their standard errors, a shared
residual correlation matrix and P candidate prior covariance matrices, the
package computes, per effect and marginalized over mixture components, the
posterior mean, variance, covariance, probability of being negative and
probability of being exactly zero. It also builds the J x P matrix of
marginal likelihoods that an outer mixture-weight optimizer needs.

Three posterior engines are provided: PosteriorMASH for the general
multivariate model, MVSERMix for the single-effect regression variant used
inside mvSuSiE (with the EM update for a scalar multiplier on each prior),
and PosteriorASH for the univariate specialization. All three are pure:
construct, compute, read the returned result.

Degenerate (singular) covariances are a modeled limit, not an error: a prior
component with zero variance collapses to a point mass at the mean, and the
density and posterior code reproduce that limit exactly.
*/
package mashr
